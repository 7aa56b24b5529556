// Package staging materializes files from source locators into a working
// directory. The invocation layer consumes the Stager interface; the
// surrounding job framework usually supplies its own implementation, and
// HTTPStager covers the plain-URL case (used by mock execution mode to
// synthesize declared outputs).
package staging

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
)

// Stager materializes the file at src into the local path dst.
type Stager interface {
	Stage(src, dst string) error
}

const defaultHTTPTries = 7 // ~2min total of trying with exponential backoff

// Client is the subset of http.Client that HTTPStager needs, satisfied by
// both *http.Client and *pester.Client.
type Client interface {
	Get(url string) (*http.Response, error)
}

// MakePesterClient builds the retrying HTTP client HTTPStager uses by
// default.
func MakePesterClient() *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = defaultHTTPTries
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

type HTTPStager struct {
	client Client
}

func NewHTTPStager() *HTTPStager {
	return &HTTPStager{client: MakePesterClient()}
}

// NewCustomHTTPStager is NewHTTPStager with an injected client, for tests.
func NewCustomHTTPStager(client Client) *HTTPStager {
	return &HTTPStager{client: client}
}

// Stage downloads src to dst, creating parent directories as needed. The
// write goes through a temp file in the destination directory so a partial
// download never shows up at dst.
func (s *HTTPStager) Stage(src, dst string) error {
	log.WithFields(log.Fields{"src": src, "dst": dst}).Info("Staging file")
	resp, err := s.client.Get(src)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("staging %s: got status %s", src, resp.Status)
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".staging-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
