package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/syntrixbase/beacon/internal/browser"
	"github.com/syntrixbase/beacon/internal/config"
)

// Host is the set of engine entry points a replay drives.
type Host interface {
	Navigate(load browser.Load) error
	Click(selector string)
	PointerMove(x, y float64)
	Scroll(percent float64)
	Dispatch(name string, props map[string]any)
	Track(eventType string, props map[string]any) error
	Unload()
}

// step is one line of a session recording.
type step struct {
	Op string `json:"op"`

	URL      string `json:"url,omitempty"`
	Referrer string `json:"referrer,omitempty"`
	Title    string `json:"title,omitempty"`
	HTML     string `json:"html,omitempty"`
	HTMLFile string `json:"htmlFile,omitempty"`

	Selector  string          `json:"selector,omitempty"`
	Percent   float64         `json:"percent,omitempty"`
	X         float64         `json:"x,omitempty"`
	Y         float64         `json:"y,omitempty"`
	Name      string          `json:"name,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Props     map[string]any  `json:"props,omitempty"`
	Duration  config.Duration `json:"duration,omitempty"`
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replayer feeds a JSON-lines session recording into a Host. Relative
// htmlFile paths resolve against baseDir.
type replayer struct {
	host    Host
	baseDir string
	sleep   SleepFunc
}

// Run replays every line and returns the number of steps applied. Blank
// lines and lines starting with # are ignored.
func (r *replayer) Run(ctx context.Context, in *bufio.Scanner) (int, error) {
	n := 0
	line := 0
	for in.Scan() {
		line++
		text := strings.TrimSpace(in.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}

		var s step
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := r.apply(ctx, s); err != nil {
			return n, fmt.Errorf("line %d (%s): %w", line, s.Op, err)
		}
		n++
	}
	return n, in.Err()
}

func (r *replayer) apply(ctx context.Context, s step) error {
	switch s.Op {
	case "navigate":
		html := s.HTML
		if s.HTMLFile != "" {
			path := s.HTMLFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(r.baseDir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			html = string(data)
		}
		return r.host.Navigate(browser.Load{URL: s.URL, Referrer: s.Referrer, Title: s.Title, HTML: html})
	case "click":
		r.host.Click(s.Selector)
	case "pointer":
		r.host.PointerMove(s.X, s.Y)
	case "scroll":
		r.host.Scroll(s.Percent)
	case "custom":
		r.host.Dispatch(s.Name, s.Props)
	case "track":
		return r.host.Track(s.EventType, s.Props)
	case "wait":
		return r.sleep(ctx, s.Duration.Std())
	case "unload":
		r.host.Unload()
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}
