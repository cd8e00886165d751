package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-cozmonaut/internal/log"
	"github.com/teslashibe/go-cozmonaut/pkg/driver"
)

func TestParseNameLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		waiting   []string
		wantRobot string
		wantName  string
		wantErr   bool
	}{
		{"blank", "   ", []string{"A"}, "", "", false},
		{"bare name one waiting", "Ada", []string{"B"}, "B", "Ada", false},
		{"full name one waiting", "Ada Lovelace", []string{"A"}, "A", "Ada Lovelace", false},
		{"prefixed", "b Grace Hopper", []string{"A", "B"}, "B", "Grace Hopper", false},
		{"ambiguous", "Grace", []string{"A", "B"}, "", "", true},
		{"nobody waiting", "Grace", nil, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			robot, name, err := parseNameLine(tt.line, tt.waiting)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if robot != tt.wantRobot || name != tt.wantName {
				t.Errorf("got (%q, %q), want (%q, %q)", robot, name, tt.wantRobot, tt.wantName)
			}
		})
	}
	if _, _, err := parseNameLine("Ada", nil); !errors.Is(err, errNoPrompt) {
		t.Errorf("err = %v, want errNoPrompt", err)
	}
}

func TestReadNamesAnswersPrompt(t *testing.T) {
	prompts := driver.NewPrompts(nil)
	got := make(chan string, 1)
	go func() {
		name, _ := prompts.PromptName(context.Background(), "A")
		got <- name
	}()
	deadline := time.Now().Add(time.Second)
	for len(prompts.Waiting()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("prompt never opened")
		}
		time.Sleep(time.Millisecond)
	}

	readNames(strings.NewReader("\nA Ada\n"), prompts, log.Discard())

	select {
	case name := <-got:
		if name != "Ada" {
			t.Errorf("name = %q", name)
		}
	case <-time.After(time.Second):
		t.Fatal("prompt not answered")
	}
}
