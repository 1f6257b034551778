package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// updateConcurrency bounds parallel update checks.
const updateConcurrency = 8

// ErrTooLarge means a download exceeded the fetcher's MaxBody.
var ErrTooLarge = errors.New("response body too large")

// HTTPFetcher fetches over HTTP and treats non-2xx as an error. A body over
// MaxBody is an error, never a truncated script.
type HTTPFetcher struct {
	Client  *http.Client
	MaxBody int64
}

func (f HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: %s", url, resp.Status)
	}
	var r io.Reader = resp.Body
	if f.MaxBody > 0 {
		r = io.LimitReader(resp.Body, f.MaxBody+1)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	if f.MaxBody > 0 && int64(len(b)) > f.MaxBody {
		return "", fmt.Errorf("fetch %s: %w (limit %d bytes)", url, ErrTooLarge, f.MaxBody)
	}
	return string(b), nil
}

// CheckUpdate fetches the script's update URL and installs the new code if
// the remote version is newer. It reports whether the script was replaced.
func (s *Store) CheckUpdate(ctx context.Context, sc *Script) (bool, error) {
	if s.fetcher == nil {
		return false, errors.New("check update: no fetcher configured")
	}
	checkURL := firstNonEmpty(sc.Meta.UpdateURL, sc.Custom.DownloadURL, sc.Meta.DownloadURL, sc.Custom.LastInstallURL)
	if checkURL == "" {
		return false, nil
	}
	downloadURL := firstNonEmpty(sc.Custom.DownloadURL, sc.Meta.DownloadURL, sc.Custom.LastInstallURL, checkURL)

	remote, err := s.fetcher.Fetch(ctx, checkURL)
	if err != nil {
		return false, fmt.Errorf("check update for %s: %w", sc.URI, err)
	}
	remoteMeta, err := ParseMeta(remote)
	if err != nil {
		return false, fmt.Errorf("check update for %s: %w", sc.URI, err)
	}
	if CompareVersion(remoteMeta.Version, sc.Meta.Version) <= 0 {
		s.logger.Debug("script is up to date", "uri", sc.URI, "version", sc.Meta.Version)
		return false, nil
	}

	code := remote
	if downloadURL != checkURL {
		if code, err = s.fetcher.Fetch(ctx, downloadURL); err != nil {
			return false, fmt.Errorf("download update for %s: %w", sc.URI, err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Put(downloadURL, []byte(code), 0); err != nil {
			s.logger.Warn("cache update failed", "url", downloadURL, "error", err)
		}
	}

	res, err := s.Parse(ctx, ParseRequest{ID: sc.ID, Code: code, Message: "Script updated."})
	if err != nil {
		return false, fmt.Errorf("install update for %s: %w", sc.URI, err)
	}
	s.logger.Info("script updated", "uri", sc.URI, "from", sc.Meta.Version, "to", remoteMeta.Version)
	if s.onUpdate != nil {
		s.onUpdate(*res)
	}
	return true, nil
}

// CheckAll checks every script with the update flag in parallel and waits
// for all of them. One failure never stops the others; failures are joined.
func (s *Store) CheckAll(ctx context.Context) error {
	scripts, err := s.ScriptsForUpdate(ctx)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(updateConcurrency)
	for i := range scripts {
		sc := &scripts[i]
		g.Go(func() error {
			if _, err := s.CheckUpdate(ctx, sc); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("update check finished", "scripts", len(scripts), "failed", len(errs))
	return errors.Join(errs...)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
