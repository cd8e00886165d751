package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/teslashibe/go-cozmonaut/internal/printer"
	"github.com/teslashibe/go-cozmonaut/pkg/driver"
)

var errNoPrompt = errors.New("no robot is waiting for a name")

// parseNameLine splits a console answer into the robot it is for and the
// name. "A Ada Lovelace" answers robot A; a bare name answers the only
// waiting robot.
func parseNameLine(line string, waiting []string) (robot, name string, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", nil
	}
	if first, rest, ok := strings.Cut(line, " "); ok {
		for _, w := range waiting {
			if strings.EqualFold(first, w) {
				return w, strings.TrimSpace(rest), nil
			}
		}
	}
	switch len(waiting) {
	case 0:
		return "", "", errNoPrompt
	case 1:
		return waiting[0], line, nil
	}
	return "", "", fmt.Errorf("robots %s are waiting; prefix the name with the robot", strings.Join(waiting, " and "))
}

// readNames answers name prompts from console lines until in is closed.
func readNames(in io.Reader, prompts *driver.Prompts, logger *slog.Logger) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		robot, name, err := parseNameLine(sc.Text(), prompts.Waiting())
		if err != nil {
			printer.Warning("%v", err)
			continue
		}
		if robot == "" {
			continue
		}
		if err := prompts.Submit(robot, name); err != nil {
			printer.Warning("%v", err)
			continue
		}
		logger.Debug("name entered on console", "robot", robot)
	}
}
