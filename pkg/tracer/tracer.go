// Package tracer runs the kernel-level request tracer as a subprocess and
// parses its line-delimited event stream into typed Events. The Node Agent
// never touches eBPF directly: it shells out to a tracer binary (bpftrace by
// default) running a fixed script and treats its stdout as an untrusted,
// line-oriented wire format, exactly as original_source's run_agent() reads
// process.stdout.readline() in a loop.
package tracer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cuemby/autoscaler/pkg/metrics"
)

// EventType names the three record kinds the tracer script emits.
type EventType string

const (
	EventLatency EventType = "LAT"
	EventError   EventType = "ERR"
	EventConn    EventType = "CONN"
)

// Event is one parsed line of tracer output.
type Event struct {
	Type          EventType
	PID           int
	LatencyMicros int64  // set for EventLatency
	DestAddr      string // set for EventConn
}

// ParseLine parses a single tracer output line. Malformed lines (too few
// fields, unknown event type, non-numeric pid/latency) return an error and
// are skipped by the caller rather than aborting the stream, matching the
// original parser's bare `except: pass` around each line.
func ParseLine(line string) (Event, error) {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return Event{}, fmt.Errorf("tracer: line has fewer than 3 fields: %q", line)
	}

	pid, err := strconv.Atoi(parts[1])
	if err != nil {
		return Event{}, fmt.Errorf("tracer: invalid pid in line %q: %w", line, err)
	}

	switch EventType(parts[0]) {
	case EventLatency:
		us, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("tracer: invalid latency in line %q: %w", line, err)
		}
		return Event{Type: EventLatency, PID: pid, LatencyMicros: us}, nil
	case EventError:
		return Event{Type: EventError, PID: pid}, nil
	case EventConn:
		addr := strings.TrimPrefix(parts[2], "::ffff:")
		return Event{Type: EventConn, PID: pid, DestAddr: addr}, nil
	default:
		return Event{}, fmt.Errorf("tracer: unknown event type %q", parts[0])
	}
}

// script is the tracer program run against the kernel. It records the
// buffer pointer on sys_enter_read/recvfrom and, on the matching exit, marks
// the start of an inbound request when the buffer begins with "GET " or
// "POST"; it closes the latency measurement on the next
// write/sendto, reports connect(2) targets for IPv4 and IPv6, and reports a
// negative write/sendto return as an application-level error.
const script = `
#include <linux/in.h>
#include <linux/in6.h>

tracepoint:syscalls:sys_enter_read { @buf_ptr[tid] = args->buf; }
tracepoint:syscalls:sys_enter_recvfrom { @buf_ptr[tid] = args->ubuf; }

tracepoint:syscalls:sys_exit_read, tracepoint:syscalls:sys_exit_recvfrom {
    if (@buf_ptr[tid] != 0 && args->ret > 4) {
         $first4 = *(uint32 *)@buf_ptr[tid];
         if ($first4 == 0x20544547 || $first4 == 0x54534F50) {
              @start[tid] = nsecs;
         }
    }
    delete(@buf_ptr[tid]);
}

tracepoint:syscalls:sys_enter_write, tracepoint:syscalls:sys_enter_sendto {
    if (@start[tid] != 0) {
        $delta_us = (nsecs - @start[tid]) / 1000;
        if ($delta_us > 0) { printf("LAT %d %d\n", pid, $delta_us); }
        delete(@start[tid]);
    }
}

tracepoint:syscalls:sys_exit_write, tracepoint:syscalls:sys_exit_sendto {
    if (args->ret < 0) { printf("ERR %d %d\n", pid, args->ret); }
}

tracepoint:syscalls:sys_enter_connect {
    $addr = (struct sockaddr *)args->uservaddr;
    if ($addr->sa_family == 2) {
        $addr4 = (struct sockaddr_in *)args->uservaddr;
        printf("CONN %d %s\n", pid, ntop($addr4->sin_addr.s_addr));
    }
    if ($addr->sa_family == 10) {
        $addr6 = (struct sockaddr_in6 *)args->uservaddr;
        printf("CONN %d %s\n", pid, ntop($addr6->sin6_addr.in6_u.u6_addr8));
    }
}
`

// Tracer supervises the tracer subprocess.
type Tracer struct {
	command string
	logger  zerolog.Logger

	pid atomic.Int32 // subprocess pid, set once Run has started it
}

// New creates a Tracer that runs the given command (e.g. "bpftrace") against
// the fixed script.
func New(command string, logger zerolog.Logger) *Tracer {
	return &Tracer{command: command, logger: logger}
}

// PID returns the tracer subprocess's pid, or 0 if it hasn't started yet.
// The Node Agent excludes this pid from event processing alongside its own,
// since the subprocess's own syscalls (its stdout pipe writes, script file
// access) would otherwise be attributed to whatever workload its pid
// happens to resolve to.
func (t *Tracer) PID() int {
	return int(t.pid.Load())
}

// SetPIDForTest overrides the tracer's recorded pid without starting a real
// subprocess, for exercising pid-exclusion logic in other packages' tests.
func (t *Tracer) SetPIDForTest(pid int) {
	t.pid.Store(int32(pid))
}

// Run starts the tracer subprocess and returns a channel of parsed events.
// The channel closes when ctx is cancelled or the subprocess exits; Run logs
// and continues past malformed lines and stderr output rather than failing
// the stream.
func (t *Tracer) Run(ctx context.Context) (<-chan Event, error) {
	scriptFile, err := os.CreateTemp("", "sensor-*.bt")
	if err != nil {
		return nil, fmt.Errorf("tracer: create script file: %w", err)
	}
	if _, err := scriptFile.WriteString(script); err != nil {
		scriptFile.Close()
		return nil, fmt.Errorf("tracer: write script file: %w", err)
	}
	if err := scriptFile.Close(); err != nil {
		return nil, fmt.Errorf("tracer: close script file: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.command, scriptFile.Name())
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tracer: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("tracer: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tracer: start %s: %w", t.command, err)
	}
	t.pid.Store(int32(cmd.Process.Pid))
	t.logger.Info().Str("command", t.command).Str("script", scriptFile.Name()).Int("pid", cmd.Process.Pid).Msg("tracer started")

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.logger.Warn().Str("line", scanner.Text()).Msg("tracer stderr")
		}
	}()

	events := make(chan Event, 256)
	go func() {
		defer close(events)
		defer os.Remove(scriptFile.Name())

		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			event, err := ParseLine(line)
			if err != nil {
				metrics.EventsDroppedTotal.WithLabelValues("parse_error").Inc()
				t.logger.Debug().Err(err).Msg("dropped malformed tracer line")
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			t.logger.Error().Err(err).Msg("tracer process exited with error")
		}
	}()

	return events, nil
}
