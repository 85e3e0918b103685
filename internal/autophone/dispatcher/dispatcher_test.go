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

package dispatcher

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"testing"

	"autophone/internal/autophone/phone"
)

type fakeBroadcaster struct {
	jobs []phone.Job
}

func (f *fakeBroadcaster) Broadcast(job phone.Job) {
	f.jobs = append(f.jobs, job)
}

// fakeDownloader serves a fixed build artifact regardless of URL, for
// exercising OnBuild end-to-end.
type fakeDownloader struct {
	body []byte
}

func (f *fakeDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

func buildZip(t *testing.T, applicationINI string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("application.ini")
	if err != nil {
		t.Fatalf("zip.Create: %v", err)
	}
	if _, err := w.Write([]byte(applicationINI)); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip.Close: %v", err)
	}
	return buf.Bytes()
}

// S6 — unknown build event: no buildurl means no dispatch at all.
func TestOnBuildWithoutURLIsDropped(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := New(fb, nil, nil)

	d.OnBuild(context.Background(), BuildEvent{BuildDate: 1700000000})

	if len(fb.jobs) != 0 {
		t.Errorf("jobs = %v, want none dispatched", fb.jobs)
	}
}

func TestTriggerJobsRequiresBuildURL(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := New(fb, nil, nil)

	if err := d.TriggerJobs("builddate=1700000000"); err == nil {
		t.Error("expected error for missing buildurl")
	}
	if len(fb.jobs) != 0 {
		t.Errorf("jobs = %v, want none dispatched", fb.jobs)
	}
}

func TestTriggerJobsBroadcasts(t *testing.T) {
	fb := &fakeBroadcaster{}
	d := New(fb, nil, nil)

	if err := d.TriggerJobs("buildurl=http://x/foo.apk,builddate=1700000000"); err != nil {
		t.Fatalf("TriggerJobs: %v", err)
	}
	if len(fb.jobs) != 1 {
		t.Fatalf("jobs = %v, want 1", fb.jobs)
	}
	got := fb.jobs[0]
	if got.BuildURL != "http://x/foo.apk" || got.BuildDate != 1700000000 {
		t.Errorf("job = %+v", got)
	}
}

func TestProcessNameByRepositoryTable(t *testing.T) {
	cases := map[string]string{
		"mozilla-central": "org.mozilla.fennec",
		"mozilla-aurora":  "org.mozilla.fennec_aurora",
		"mozilla-beta":    "org.mozilla.firefox",
		"unknown-repo":    "",
	}
	for repo, want := range cases {
		if got := processNameByRepository[repo]; got != want {
			t.Errorf("processNameByRepository[%q] = %q, want %q", repo, got, want)
		}
	}
}

func TestRepoShortName(t *testing.T) {
	cases := map[string]string{
		"http://hg.mozilla.org/mozilla-central":            "mozilla-central",
		"http://hg.mozilla.org/releases/mozilla-aurora":    "mozilla-aurora",
		"http://hg.mozilla.org/releases/mozilla-beta":      "mozilla-beta",
		"https://hg.mozilla.org/releases/mozilla-beta":     "mozilla-beta",
		"http://hg.mozilla.org/projects/some-other-branch": "projects/some-other-branch",
		"":                                                 "",
	}
	for repo, want := range cases {
		if got := repoShortName(repo); got != want {
			t.Errorf("repoShortName(%q) = %q, want %q", repo, got, want)
		}
	}
}

// OnBuild end-to-end: a real application.ini, with SourceRepository in its
// full-URL form, resolves to the right Android process name through the
// download -> parse -> short-name -> table-lookup pipeline.
func TestOnBuildResolvesProcessNameFromRepositoryURL(t *testing.T) {
	ini := "[App]\nSourceStamp = deadbeef\nVersion = 56.0\n" +
		"SourceRepository = http://hg.mozilla.org/releases/mozilla-aurora\n"
	dl := &fakeDownloader{body: buildZip(t, ini)}
	fb := &fakeBroadcaster{}
	d := New(fb, dl, nil)

	d.OnBuild(context.Background(), BuildEvent{BuildURL: "http://x/foo.apk", BuildDate: 1700000000})

	if len(fb.jobs) != 1 {
		t.Fatalf("jobs = %v, want 1", fb.jobs)
	}
	got := fb.jobs[0]
	if got.AndroidProcName != "org.mozilla.fennec_aurora" {
		t.Errorf("AndroidProcName = %q, want org.mozilla.fennec_aurora", got.AndroidProcName)
	}
	if got.Revision != "deadbeef" || got.Version != "56.0" {
		t.Errorf("job = %+v", got)
	}
}
