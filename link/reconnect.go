package link

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
)

// Reconnector decides whether a client whose session was lost tries again.
// attempt starts at 1 for each lost session.
type Reconnector interface {
	Reconnect(ctx context.Context, attempt int) bool
}

// PromptReconnector asks on a terminal.
type PromptReconnector struct {
	In  io.Reader
	Out io.Writer

	once    sync.Once
	scanner *bufio.Scanner
}

func (p *PromptReconnector) Reconnect(ctx context.Context, attempt int) bool {
	p.once.Do(func() {
		p.scanner = bufio.NewScanner(p.In)
	})

	for ctx.Err() == nil {
		fmt.Fprintf(p.Out, "Connection to server lost (attempt %d). Reconnect? [y/n]: ", attempt)
		if !p.scanner.Scan() {
			fmt.Fprintln(p.Out)
			return false
		}

		switch strings.ToLower(strings.TrimSpace(p.scanner.Text())) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}

	return false
}

// AutoReconnector retries a fixed number of times with a pause before each attempt.
// Attempts of zero retries forever.
type AutoReconnector struct {
	Attempts int
	Interval time.Duration
}

func (r *AutoReconnector) Reconnect(ctx context.Context, attempt int) bool {
	if r.Attempts > 0 && attempt > r.Attempts {
		log.Printf("AutoReconnector: giving up after %d attempts", r.Attempts)
		return false
	}
	if r.Interval <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(r.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// NeverReconnect ends the client on the first lost session.
type NeverReconnect struct{}

func (NeverReconnect) Reconnect(context.Context, int) bool {
	return false
}
