package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sagerun/sage/pkg/models"
)

// stdinInputChannel satisfies tool.InputChannel by prompting the operator on
// the controlling terminal — the CLI equivalent of the teacher's interactive
// prompts in cmd/nexus, adapted to the three InputRequest kinds the core
// actually emits (questions, permission asks, free text).
type stdinInputChannel struct {
	reader *bufio.Reader
}

func newStdinInputChannel() *stdinInputChannel {
	return &stdinInputChannel{reader: bufio.NewReader(os.Stdin)}
}

func (c *stdinInputChannel) Request(ctx context.Context, req models.InputRequest) (models.InputResponse, error) {
	switch req.Kind {
	case models.InputKindPermission:
		return c.askPermission(req)
	case models.InputKindQuestions:
		return c.askQuestions(req)
	default:
		return c.askFreeText(req)
	}
}

func (c *stdinInputChannel) askPermission(req models.InputRequest) (models.InputResponse, error) {
	fmt.Fprintf(os.Stderr, "\nPermission requested for %s: %s\nAllow? [y/N] ", req.ToolName, req.Description)
	line, _ := c.reader.ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(line), "y") {
		return models.InputResponse{Kind: models.ResponsePermissionGranted}, nil
	}
	return models.InputResponse{Kind: models.ResponsePermissionDenied}, nil
}

func (c *stdinInputChannel) askQuestions(req models.InputRequest) (models.InputResponse, error) {
	answers := make(map[string]string, len(req.Questions))
	for _, q := range req.Questions {
		fmt.Fprintf(os.Stderr, "\n%s\n", q.Question)
		for i, opt := range q.Options {
			fmt.Fprintf(os.Stderr, "  %d) %s\n", i+1, opt.Label)
		}
		fmt.Fprint(os.Stderr, "> ")
		line, _ := c.reader.ReadString('\n')
		answers[q.Question] = strings.TrimSpace(line)
	}
	return models.InputResponse{Kind: models.ResponseQuestionAnswers, Answers: answers}, nil
}

func (c *stdinInputChannel) askFreeText(req models.InputRequest) (models.InputResponse, error) {
	fmt.Fprintf(os.Stderr, "\n%s\n> ", req.Prompt)
	line, _ := c.reader.ReadString('\n')
	return models.InputResponse{Kind: models.ResponseText, Text: strings.TrimSpace(line)}, nil
}
