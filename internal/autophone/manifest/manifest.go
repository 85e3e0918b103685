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

// Package manifest downloads a build artifact and extracts application.ini,
// the INI file inside the zip that names the build's stamp and repository.
package manifest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"

	"gopkg.in/ini.v1"
)

// ApplicationINI is the subset of application.ini the dispatcher needs to
// turn a build event into a Job.
type ApplicationINI struct {
	SourceStamp      string
	Version          string
	SourceRepository string
}

// Downloader fetches a build artifact. The default implementation uses
// http.Client; tests supply a fake.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader is the production Downloader, backed by net/http.
type HTTPDownloader struct {
	Client *http.Client
}

// Download issues a GET request and returns the response body.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("manifest: download %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("manifest: download %s: status %s", url, resp.Status)
	}
	return resp.Body, nil
}

// FetchApplicationINI downloads the artifact at url and extracts
// application.ini's [App] section.
func FetchApplicationINI(ctx context.Context, dl Downloader, url string) (ApplicationINI, error) {
	body, err := dl.Download(ctx, url)
	if err != nil {
		return ApplicationINI{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return ApplicationINI{}, fmt.Errorf("manifest: read artifact: %w", err)
	}

	zr, err := zip.NewReader(readerAt(data), int64(len(data)))
	if err != nil {
		return ApplicationINI{}, fmt.Errorf("manifest: artifact is not a zip: %w", err)
	}

	for _, f := range zr.File {
		if f.Name != "application.ini" {
			continue
		}
		return parseApplicationINI(f)
	}
	return ApplicationINI{}, fmt.Errorf("manifest: application.ini not found in artifact")
}

func parseApplicationINI(f *zip.File) (ApplicationINI, error) {
	rc, err := f.Open()
	if err != nil {
		return ApplicationINI{}, fmt.Errorf("manifest: open application.ini: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return ApplicationINI{}, fmt.Errorf("manifest: read application.ini: %w", err)
	}

	cfg, err := ini.Load(data)
	if err != nil {
		return ApplicationINI{}, fmt.Errorf("manifest: parse application.ini: %w", err)
	}
	app := cfg.Section("App")
	return ApplicationINI{
		SourceStamp:      app.Key("SourceStamp").String(),
		Version:          app.Key("Version").String(),
		SourceRepository: app.Key("SourceRepository").String(),
	}, nil
}

// readerAt adapts a byte slice to io.ReaderAt for zip.NewReader.
type readerAtBytes []byte

func (r readerAtBytes) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r)) {
		return 0, io.EOF
	}
	n := copy(p, r[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func readerAt(b []byte) readerAtBytes { return readerAtBytes(b) }
