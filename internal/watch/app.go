package watch

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/devstack/internal/errors"
	"github.com/Iron-Ham/devstack/internal/logging"
	"github.com/Iron-Ham/devstack/internal/progress"
)

// Run shows the progress document at path until the user quits, ctx ends,
// or (with exitOnComplete) the run finishes.
func Run(ctx context.Context, path string, exitOnComplete bool, logger *logging.Logger) error {
	watcher, err := progress.NewWatcher(path, logger)
	if err != nil {
		return err
	}
	watcher.Start()
	defer watcher.Stop()

	program := tea.NewProgram(
		NewModel(watcher.Updates(), exitOnComplete),
		tea.WithContext(ctx),
	)
	_, err = program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
