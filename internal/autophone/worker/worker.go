// AutoPhone is a continuous-integration dispatcher for on-device test farms.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package worker implements the phone worker: one supervised goroutine per
// registered device, running a command queue, a test battery, and a
// reboot-based recovery protocol.
//
// The original implementation spawns one OS process per device, isolating
// the device-control driver's bugs and leaks from the coordinator and from
// other devices. This port uses one goroutine per worker instead: Go's
// device driver boundary is already a narrow interface (driver.Driver), and
// the coordinator that owns the fleet map is itself single-process, so the
// isolation the original bought with a process boundary is bought here with
// the interface boundary plus bounded channels. A leaking or panicking
// driver implementation is still this process's problem; callers supplying
// a driver are expected to keep it panic-free, same as the original expects
// its device-control layer not to corrupt the parent process's memory.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autophone/internal/autophone/driver"
	"autophone/internal/autophone/phone"
	"autophone/internal/autophone/testplugin"

	"github.com/google/uuid"
)

// Mailer is the narrow collaborator a worker calls when it gives up on a
// device. Implemented by the mailer package; tests supply a fake.
type Mailer interface {
	Send(subject, body string) error
}

// Observer receives worker lifecycle events for external observability.
// The metrics package implements this against Prometheus collectors; the
// zero value (noopObserver) is used when no observer is supplied.
type Observer interface {
	SetState(phoneID string, s phone.State)
	QueueDepth(phoneID string, depth int)
	DroppedMessage(phoneID, queue string)
	RecoveryAttempt(phoneID string)
	CommandDuration(phoneID, kind string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) SetState(string, phone.State)                  {}
func (noopObserver) QueueDepth(string, int)                         {}
func (noopObserver) DroppedMessage(string, string)                  {}
func (noopObserver) RecoveryAttempt(string)                         {}
func (noopObserver) CommandDuration(string, string, time.Duration)  {}

// Config holds the recovery and timing parameters of the worker state
// machine. DefaultConfig returns the values named in the design.
type Config struct {
	MaxRebootAttempts     int
	MaxRebootWait         time.Duration
	RecoveryProbeInterval time.Duration
	IdleProbeTimeout      time.Duration
	InterTestSleep        time.Duration
	CommandQueueCapacity  int
}

// DefaultConfig returns the worker's production timing parameters.
func DefaultConfig() Config {
	return Config{
		MaxRebootAttempts:     3,
		MaxRebootWait:         300 * time.Second,
		RecoveryProbeInterval: 5 * time.Second,
		IdleProbeTimeout:      60 * time.Second,
		InterTestSleep:        30 * time.Second,
		CommandQueueCapacity:  16,
	}
}

// Params configures a new Worker. PhoneID, Serial, IP, SUTCmdPort, Driver,
// and StatusCh are required; all other fields have usable zero values or
// defaults.
type Params struct {
	PhoneID    string
	Serial     string
	IP         string
	SUTCmdPort int

	// Index determines this worker's SUT reboot callback port
	// (30000 + Index), so that concurrently rebooting devices do not
	// collide on one callback port.
	Index      int
	CallbackIP string

	Driver   driver.Driver
	Tests    []testplugin.TestPlugin
	Mailer   Mailer
	StatusCh chan<- phone.StatusMessage
	Observer Observer
	Logger   *slog.Logger
	Config   Config

	// Now and Sleep are overridden by tests to run the recovery protocol
	// and inter-test delay without real wall-clock waits.
	Now   func() time.Time
	Sleep func(d time.Duration)
}

// Worker drives one phone through install, test, and recovery cycles. A
// Worker's exported methods are safe for concurrent use; there is exactly
// one goroutine running Run for a given Worker.
type Worker struct {
	phoneID    string
	serial     string
	ip         string
	sutCmdPort int
	index      int
	callbackIP string

	driver   driver.Driver
	tests    []testplugin.TestPlugin
	mailer   Mailer
	statusCh chan<- phone.StatusMessage
	observer Observer
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	sleep    func(d time.Duration)

	commandQueue chan phone.WorkerCommand
	done         chan struct{}
	startOnce    sync.Once

	stopMu   sync.Mutex
	stopping bool

	disabledMu sync.Mutex
	disabled   bool

	skippedMu sync.Mutex
	skipped   []phone.Job
}

// New constructs a Worker. The worker does not start running until Start
// is called.
func New(p Params) *Worker {
	cfg := p.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("phone_id", p.PhoneID)
	observer := p.Observer
	if observer == nil {
		observer = noopObserver{}
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	capacity := cfg.CommandQueueCapacity
	if capacity <= 0 {
		capacity = 16
	}
	return &Worker{
		phoneID:      p.PhoneID,
		serial:       p.Serial,
		ip:           p.IP,
		sutCmdPort:   p.SUTCmdPort,
		index:        p.Index,
		callbackIP:   p.CallbackIP,
		driver:       p.Driver,
		tests:        p.Tests,
		mailer:       p.Mailer,
		statusCh:     p.StatusCh,
		observer:     observer,
		logger:       logger,
		cfg:          cfg,
		now:          now,
		sleep:        sleep,
		commandQueue: make(chan phone.WorkerCommand, capacity),
		done:         make(chan struct{}),
	}
}

// Start spawns the worker's goroutine if it has not already been started.
// Idempotent.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.run(ctx)
	})
}

// AddJob enqueues a job. Non-blocking: if the command queue is full the
// job is dropped with a logged warning, per the queue-full policy.
func (w *Worker) AddJob(j phone.Job) {
	select {
	case w.commandQueue <- phone.WorkerCommand{Kind: phone.CommandJob, Job: j}:
	default:
		w.logger.Warn("command queue full, dropping job")
		w.observer.DroppedMessage(w.phoneID, "command_queue")
	}
	w.observer.QueueDepth(w.phoneID, len(w.commandQueue))
}

// Reboot enqueues a Reboot command. Non-blocking, same queue-full policy
// as AddJob.
func (w *Worker) Reboot() {
	select {
	case w.commandQueue <- phone.WorkerCommand{Kind: phone.CommandReboot}:
	default:
		w.logger.Warn("command queue full, dropping reboot")
		w.observer.DroppedMessage(w.phoneID, "command_queue")
	}
}

// Stop sets the stop flag, enqueues Shutdown, and waits for the worker
// goroutine to exit.
func (w *Worker) Stop() {
	w.stopMu.Lock()
	w.stopping = true
	w.stopMu.Unlock()

	select {
	case w.commandQueue <- phone.WorkerCommand{Kind: phone.CommandShutdown}:
	default:
		// Queue full: the running goroutine will still observe stopping
		// on its next loop iteration even without the sentinel.
	}
	<-w.done
}

// SkippedJobs returns a snapshot of jobs that were never run because the
// worker was disabled when they reached the front of the queue.
func (w *Worker) SkippedJobs() []phone.Job {
	w.skippedMu.Lock()
	defer w.skippedMu.Unlock()
	out := make([]phone.Job, len(w.skipped))
	copy(out, w.skipped)
	return out
}

// Disabled reports whether recovery has given up on this device.
func (w *Worker) Disabled() bool {
	w.disabledMu.Lock()
	defer w.disabledMu.Unlock()
	return w.disabled
}

func (w *Worker) isStopping() bool {
	w.stopMu.Lock()
	defer w.stopMu.Unlock()
	return w.stopping
}

func (w *Worker) setDisabled() {
	w.disabledMu.Lock()
	w.disabled = true
	w.disabledMu.Unlock()
}

func (w *Worker) appendSkipped(j phone.Job) {
	w.skippedMu.Lock()
	w.skipped = append(w.skipped, j)
	w.skippedMu.Unlock()
}

// run is the worker's main loop: block on the command queue with a 60s
// idle timeout, per the concurrency model.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		if w.isStopping() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.commandQueue:
			if cmd.Kind == phone.CommandShutdown {
				return
			}
			start := w.now()
			switch cmd.Kind {
			case phone.CommandJob:
				w.runJob(ctx, cmd.Job)
				w.observer.CommandDuration(w.phoneID, "job", w.now().Sub(start))
			case phone.CommandReboot:
				w.runReboot(ctx)
				w.observer.CommandDuration(w.phoneID, "reboot", w.now().Sub(start))
			}
		case <-time.After(w.cfg.IdleProbeTimeout):
			w.probeIdle(ctx)
		}
	}
}

// emit sends a status message and updates the state observer. Non-blocking;
// a full status channel drops the message with a warning.
func (w *Worker) emit(s phone.State, build *int64, detail string) {
	w.observer.SetState(w.phoneID, s)
	msg := phone.StatusMessage{
		ID:        uuid.NewString(),
		PhoneID:   w.phoneID,
		State:     s,
		Timestamp: w.now(),
		Build:     build,
		Detail:    detail,
	}
	select {
	case w.statusCh <- msg:
	default:
		w.logger.Warn("status channel full, dropping message", "state", s)
		w.observer.DroppedMessage(w.phoneID, "status_channel")
	}
}

// runJob installs a build and runs the configured test battery against it.
func (w *Worker) runJob(ctx context.Context, job phone.Job) {
	if w.Disabled() {
		w.appendSkipped(job)
		return
	}

	build := job.BuildDate
	w.emit(phone.StateInstalling, &build, "")

	if err := w.driver.InstallBuild(ctx, w.phoneID, job.BuildURL, job.AndroidProcName, w.serial); err != nil {
		w.logger.Error("install failed", "err", err)
		return
	}

	w.emit(phone.StateTesting, &build, "")

	for _, test := range w.tests {
		w.sleep(w.cfg.InterTestSleep)

		succeeded := false
		for attempt := 1; attempt <= 2; attempt++ {
			err := test.Run(ctx, w.driver, w.serial, job)
			if err == nil {
				succeeded = true
				break
			}
			w.logger.Error("test threw", "test", test.Name(), "attempt", attempt, "err", err)

			gaveUp := w.recover(ctx, &build)
			if gaveUp {
				// DISCONNECTED/DISABLED already emitted by recover.
				return
			}
		}
		if !succeeded {
			w.logger.Warn("giving up on it", "test", test.Name())
		}
		if w.isStopping() {
			break
		}
	}

	if w.Disabled() {
		w.emit(phone.StateDisconnected, &build, "")
	} else {
		w.logger.Info("job complete", "build", build)
	}
}

// runReboot handles an explicit Reboot command: reboot through the SUT
// agent and report IDLE once issued.
func (w *Worker) runReboot(ctx context.Context) {
	w.emit(phone.StateRebooting, nil, "")
	callbackPort := 30000 + w.index
	if err := w.driver.SUTReboot(ctx, w.ip, w.sutCmdPort, w.callbackIP, callbackPort); err != nil {
		w.logger.Error("sut reboot failed", "err", err)
	}
	w.emit(phone.StateIdle, nil, "phone reset")
}

// probeIdle is the 60s idle timeout's cheap liveness check. It never
// triggers recovery, per the design decision to leave that operator-gated.
func (w *Worker) probeIdle(ctx context.Context) {
	up, err := w.driver.ShellProbe(ctx, w.serial)
	if err != nil {
		w.logger.Error("idle probe failed", "err", err)
		return
	}
	if up {
		w.emit(phone.StateIdle, nil, "")
	} else {
		w.emit(phone.StateDisconnected, nil, "")
	}
}

// recover runs the reboot-and-probe recovery loop. It reports true when
// recovery has given up (the device is now DISABLED), false when the
// device came back and the caller should retry its test.
func (w *Worker) recover(ctx context.Context, build *int64) (gaveUp bool) {
	w.emit(phone.StateRebooting, build, "")

	attempts := 0
	for !w.Disabled() {
		if attempts < w.cfg.MaxRebootAttempts {
			attempts++
			w.observer.RecoveryAttempt(w.phoneID)
			if err := w.driver.Reboot(ctx, w.serial); err != nil {
				w.logger.Error("reboot failed", "err", err)
			}

			deadline := w.now().Add(w.cfg.MaxRebootWait)
			for !w.now().After(deadline) {
				conn, err := w.driver.OpenSUTSocket(ctx, w.ip, w.sutCmdPort)
				if err == nil && conn != nil {
					w.emit(phone.StateTesting, build, "recovered")
					return false
				}
				w.sleep(w.cfg.RecoveryProbeInterval)
			}
			w.logger.Warn("did not come back up", "attempt", attempts)
			continue
		}

		w.emit(phone.StateDisconnected, build, "")
		if w.mailer != nil {
			subject := fmt.Sprintf("Phone %s disabled", w.phoneID)
			body := fmt.Sprintf("rebooted %d times; giving up", attempts)
			if err := w.mailer.Send(subject, body); err != nil {
				w.logger.Error("failed to send disable email", "err", err)
			}
		}
		w.setDisabled()
		w.emit(phone.StateDisabled, build, "")
		return true
	}
	return true
}
