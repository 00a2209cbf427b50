// Command flagctl submits one flag for a question and prints the verdict
// together with the refreshed leaderboard.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"

	service "github.com/okian/flagboard/internal/app"
	"github.com/okian/flagboard/internal/config"
	"github.com/okian/flagboard/internal/domain/submission"
	"github.com/okian/flagboard/pkg/logger"
)

const defaultShowTop = 10

func main() {
	var (
		question = flag.String("question", "", "Question id to submit for")
		tier     = flag.String("tier", "", "Leaderboard tier refreshed after a solve (default: configured default tier)")
		answer   = flag.String("answer", "", "Flag to submit; read from stdin when empty")
		top      = flag.Int("top", defaultShowTop, "Leaderboard rows printed after a correct submission")
		verbose  = flag.Bool("verbose", false, "Log client activity to stderr")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *question, *tier, *answer, *top, *verbose); err != nil {
		color.Red("error: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, question, tier, answer string, top int, verbose bool) error {
	if strings.TrimSpace(question) == "" {
		return errors.New("-question is required")
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	var out io.Writer = io.Discard
	if verbose {
		out = os.Stderr
	}
	if err := logger.Init(logger.WithFormat(cfg.LogFormat), logger.WithWriter(out)); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	_ = logger.SetLevelString(cfg.LogLevel)

	if tier == "" {
		tier = cfg.DefaultTier
	}

	svc, err := service.New(cfg)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	coord, err := svc.NewCoordinator(question, tier)
	if err != nil {
		return err
	}

	view, err := coord.Load(ctx)
	if err != nil {
		color.Yellow("could not check earlier solves: %v", err)
	}
	if view.Solved() {
		color.Green("question %s is already solved", question)
		return nil
	}

	if answer == "" {
		if answer, err = readAnswer(os.Stdin); err != nil {
			return err
		}
	}

	view, err = coord.Submit(ctx, answer)
	// The post-solve refresh runs in the background; let it land before
	// printing the board.
	coord.Wait()
	printVerdict(view)
	if err != nil && !errors.Is(err, submission.ErrSubmitFailed) && !errors.Is(err, submission.ErrAlreadySolved) {
		return err
	}
	if view.State == submission.Correct && top > 0 {
		printBoard(ctx, svc, tier, top)
	}
	if view.State != submission.Correct {
		return fmt.Errorf("submission %s", view.State)
	}
	return nil
}

func readAnswer(r io.Reader) (string, error) {
	fmt.Fprint(os.Stderr, "flag: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read flag: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printVerdict(v submission.View) {
	switch v.State {
	case submission.Correct:
		color.Green("correct: %s", v.Message)
		if v.PointsAwarded != nil {
			color.Green("  +%d points", *v.PointsAwarded)
		}
		if v.TotalScore != nil {
			color.Green("  total %d", *v.TotalScore)
		}
	case submission.Incorrect:
		color.Red("incorrect: %s", v.Message)
	case submission.Error:
		color.Yellow("error: %s", v.Message)
	default:
		if v.Message != "" {
			color.Yellow("%s", v.Message)
		}
	}
}

func printBoard(ctx context.Context, svc *service.Service, tier string, top int) {
	view, err := svc.Leaderboard(ctx, tier)
	if err != nil {
		color.Yellow("leaderboard unavailable: %v", err)
		return
	}
	head := color.New(color.Bold)
	head.Printf("%s leaderboard\n", view.Tier)
	for i, e := range view.Entries {
		if i >= top {
			break
		}
		fmt.Printf("%3d  %-24s %d\n", e.Rank, e.TeamName, e.Points)
	}
	if view.Stale {
		color.Yellow("(stale: %s)", view.LastError)
	}
}
