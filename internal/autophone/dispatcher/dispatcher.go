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

// Package dispatcher turns upstream build events and operator commands
// into Jobs broadcast to the fleet.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"autophone/internal/autophone/manifest"
	"autophone/internal/autophone/phone"

	"github.com/google/uuid"
)

// processNameByRepository maps a build's source repository, by its short
// name, to the Android package name the worker should uninstall-then-install.
// An unknown repository gets an empty process name: the job still
// dispatches, and the worker's install step will surface the problem.
var processNameByRepository = map[string]string{
	"mozilla-central": "org.mozilla.fennec",
	"mozilla-aurora":  "org.mozilla.fennec_aurora",
	"mozilla-beta":    "org.mozilla.firefox",
}

// repoHostPrefixes are stripped, in order, from application.ini's
// SourceRepository to recover the short repository name the lookup table is
// keyed by. SourceRepository arrives as a full repo URL, e.g.
// "http://hg.mozilla.org/mozilla-central" or
// "http://hg.mozilla.org/releases/mozilla-aurora".
var repoHostPrefixes = []string{
	"http://hg.mozilla.org/releases/",
	"https://hg.mozilla.org/releases/",
	"http://hg.mozilla.org/",
	"https://hg.mozilla.org/",
}

// repoShortName extracts the short repository name ("mozilla-central",
// "mozilla-aurora", "mozilla-beta", …) from a full repository URL, so it can
// be looked up in processNameByRepository. A value that matches none of the
// known prefixes is returned unchanged, which simply misses the table.
func repoShortName(repo string) string {
	for _, prefix := range repoHostPrefixes {
		if rest, ok := strings.CutPrefix(repo, prefix); ok {
			return rest
		}
	}
	return repo
}

// BuildEvent is a record delivered by the upstream build-notification bus.
type BuildEvent struct {
	BuildURL  string
	BuildDate int64
}

// Broadcaster is the fleet collaborator the dispatcher enqueues jobs
// through. Implemented by fleet.Registry.
type Broadcaster interface {
	Broadcast(job phone.Job)
}

// Dispatcher implements the two entry points that create Jobs: on_build
// (the upstream bus callback) and trigger_jobs (the operator command).
type Dispatcher struct {
	fleet      Broadcaster
	downloader manifest.Downloader
	logger     *slog.Logger
}

// New constructs a Dispatcher.
func New(fleet Broadcaster, downloader manifest.Downloader, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{fleet: fleet, downloader: downloader, logger: logger}
}

// OnBuild handles one upstream build event. An event without a build URL
// is silently dropped, per the external-interface contract.
func (d *Dispatcher) OnBuild(ctx context.Context, event BuildEvent) {
	if event.BuildURL == "" {
		return
	}

	app, err := manifest.FetchApplicationINI(ctx, d.downloader, event.BuildURL)
	if err != nil {
		d.logger.Error("failed to fetch application.ini", "build_url", event.BuildURL, "err", err)
		return
	}

	job := phone.Job{
		ID:              uuid.NewString(),
		BuildURL:        event.BuildURL,
		BuildDate:       event.BuildDate,
		Revision:        app.SourceStamp,
		Version:         app.Version,
		AndroidProcName: processNameByRepository[repoShortName(app.SourceRepository)],
		BuildType:       "opt",
	}
	d.startTests(job)
}

// TriggerJobs implements the operator triggerjobs command: a "k=v,k=v,..."
// form that must include buildurl.
func (d *Dispatcher) TriggerJobs(params string) error {
	fields := parseKV(params)
	buildURL, ok := fields["buildurl"]
	if !ok || buildURL == "" {
		return fmt.Errorf("dispatcher: triggerjobs requires buildurl")
	}

	var buildDate int64
	if v, ok := fields["builddate"]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("dispatcher: invalid builddate %q: %w", v, err)
		}
		buildDate = parsed
	}

	job := phone.Job{
		ID:              uuid.NewString(),
		BuildURL:        buildURL,
		BuildDate:       buildDate,
		Revision:        fields["revision"],
		Version:         fields["version"],
		AndroidProcName: fields["android_proc_name"],
		BuildType:       fields["build_type"],
	}
	d.startTests(job)
	return nil
}

// startTests broadcasts job to every registered worker.
func (d *Dispatcher) startTests(job phone.Job) {
	d.fleet.Broadcast(job)
}

// parseKV parses a "k=v,k=v,..." operator argument. Malformed entries
// (missing "=") are ignored.
func parseKV(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
