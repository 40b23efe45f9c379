package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackcrane/eventpilot-v3-sub001/internal/engine"
	"github.com/jackcrane/eventpilot-v3-sub001/internal/types"
)

// lineSurface collects prompts line by line, the terminal stand-in for the
// prompt dialog. An empty answer keeps the prefilled value.
type lineSurface struct {
	in  *bufio.Reader
	out io.Writer

	// defaults carries the command-line options the dialog does not ask for.
	defaults engine.PromptResult
}

func newLineSurface(in io.Reader, out io.Writer) *lineSurface {
	return &lineSurface{in: bufio.NewReader(in), out: out}
}

// Collect asks for the prompt and then the title. End of input before a
// prompt is given cancels.
func (s *lineSurface) Collect(ctx context.Context, req engine.PromptRequest) (engine.PromptResult, error) {
	prompt, err := s.ask(ctx, "Describe the audience", req.Prompt)
	if errors.Is(err, io.EOF) {
		return engine.PromptResult{}, types.ErrPromptCancelled
	}
	if err != nil {
		return engine.PromptResult{}, err
	}
	if strings.TrimSpace(prompt) == "" {
		return engine.PromptResult{}, types.ErrPromptCancelled
	}

	title, err := s.ask(ctx, "Title (blank to suggest)", req.Title)
	if errors.Is(err, io.EOF) {
		title, err = req.Title, nil
	}
	if err != nil {
		return engine.PromptResult{}, err
	}

	res := s.defaults
	res.Prompt = prompt
	res.Title = title
	return res, nil
}

// ask prints label and reads one line. It returns io.EOF only when the input
// ended without any text.
func (s *lineSurface) ask(ctx context.Context, label, current string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if current != "" {
		fmt.Fprintf(s.out, "%s [%s]: ", label, current)
	} else {
		fmt.Fprintf(s.out, "%s: ", label)
	}
	line, err := s.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	if line = strings.TrimSpace(line); line == "" {
		return current, nil
	}
	return line, nil
}
