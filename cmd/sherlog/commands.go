package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/martinemde/sherlog/agentloop"
	"github.com/martinemde/sherlog/investigation"
)

func newLogAICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logai <query>",
		Short: "Answer a log question with the Log-AI tool server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := a.newModel(a.cfg.LLM.Model)
			if err != nil {
				return err
			}
			defer model.Close()

			agentCfg := a.cfg.AgentLoopConfig()
			agent := investigation.NewLogAIAgent(model, a.flags.notebookID, investigation.LogAIOptions{
				Provider:    a.cfg.ProviderConfig(),
				ModelID:     a.cfg.LLM.Model,
				AgentConfig: &agentCfg,
				Cells:       a.cells,
				Logger:      a.logger,
				Metrics:     a.metrics,
			})
			return a.printEvents(agent.RunQuery(cmd.Context(), strings.Join(args, " "), a.flags.sessionID))
		},
	}
}

func newReportCmd(a *app) *cobra.Command {
	var (
		description string
		contextFile string
		params      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a structured investigation report from findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			findings := ""
			if contextFile != "" {
				data, err := readContext(contextFile)
				if err != nil {
					return err
				}
				findings = data
			}

			modelID := a.cfg.ReportModel()
			models := &modelSet{open: func() (closableModel, error) { return a.newModel(modelID) }}
			defer models.Close()

			agent, err := investigation.NewReportAgent(models.New, a.flags.notebookID, investigation.ReportOptions{
				ModelID:     modelID,
				MaxAttempts: a.cfg.Report.MaxAttempts,
				Cells:       a.cells,
				Logger:      a.logger,
				Metrics:     a.metrics,
			})
			if err != nil {
				return err
			}

			step := investigation.Step{Description: description}
			if len(params) > 0 {
				step.Parameters = make(map[string]any, len(params))
				for k, v := range params {
					step.Parameters[k] = v
				}
			}
			return a.printEvents(agent.Generate(cmd.Context(), step, findings, a.flags.sessionID))
		},
	}
	cmd.Flags().StringVar(&description, "description", "Summarize the investigation findings", "step description")
	cmd.Flags().StringVar(&contextFile, "context-file", "", "file with gathered findings (- for stdin)")
	cmd.Flags().StringToStringVar(&params, "param", nil, "step parameter key=value (repeatable)")
	return cmd
}

type closableModel interface {
	agentloop.Model
	Close() error
}

// modelSet opens a model per generation and closes them all at the end of
// the command.
type modelSet struct {
	open func() (closableModel, error)

	mu     sync.Mutex
	opened []closableModel
}

func (s *modelSet) New(context.Context) (agentloop.Model, error) {
	m, err := s.open()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opened = append(s.opened, m)
	s.mu.Unlock()
	return m, nil
}

func (s *modelSet) Close() error {
	s.mu.Lock()
	opened := s.opened
	s.opened = nil
	s.mu.Unlock()

	var errs []error
	for _, m := range opened {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func readContext(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read context: %w", err)
	}
	return string(data), nil
}
