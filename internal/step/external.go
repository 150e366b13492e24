package step

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mkanda/loom/internal/checksum"
	"github.com/mkanda/loom/internal/stepname"
)

// Resolver fetches the external freshness signal for github:// and etag://
// steps: a commit marker, an ETag, a Last-Modified stamp. The signal feeds
// the step's checksum, so a changed upstream invalidates all dependents.
type Resolver interface {
	Resolve(ctx context.Context, name stepname.Name) (string, error)
}

// cachingResolver fetches each signal at most once per run. Concurrent
// checksum computations for the same step share a single fetch.
type cachingResolver struct {
	inner  Resolver
	flight singleflight.Group
}

func newCachingResolver(inner Resolver) Resolver {
	return &cachingResolver{inner: inner}
}

func (c *cachingResolver) Resolve(ctx context.Context, name stepname.Name) (string, error) {
	v, err, _ := c.flight.Do(name.String(), func() (any, error) {
		return c.inner.Resolve(ctx, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// httpResolver is the default signal source. For etag:// it issues a HEAD
// request against https://<namespace>/<version>/<short_name> and uses the
// ETag (falling back to Last-Modified); for github:// it HEADs the
// repository's default-branch atom feed, whose ETag moves with the tip
// commit.
type httpResolver struct {
	Client *http.Client
}

func (r *httpResolver) Resolve(ctx context.Context, name stepname.Name) (string, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var url string
	switch name.Channel {
	case stepname.ChannelEtag:
		url = fmt.Sprintf("https://%s/%s/%s", name.Namespace, name.Version, name.ShortName)
	case stepname.ChannelGithub:
		url = fmt.Sprintf("https://github.com/%s/%s/commits/%s.atom", name.Namespace, name.Version, name.ShortName)
	default:
		return "", fmt.Errorf("no external signal source for channel %q", name.Channel)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", fmt.Errorf("build signal request for %s: %w", name, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch signal for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch signal for %s: %s returned %s", name, url, resp.Status)
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		return etag, nil
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		return lm, nil
	}
	return "", fmt.Errorf("fetch signal for %s: %s returned neither ETag nor Last-Modified", name, url)
}

// externalStep tracks a pinned external resource. Its digest derives from
// the resolver's signal; Run records the signal and does nothing else.
type externalStep struct {
	base
}

// NewExternal is the factory for github:// and etag:// steps.
func NewExternal(env *Env, name stepname.Name) Step {
	e := &externalStep{}
	e.name = name
	e.env = env
	e.definitionDigest = func(ctx context.Context) (checksum.Digest, error) {
		signal, err := env.Resolver.Resolve(ctx, name)
		if err != nil {
			return "", err
		}
		return checksum.Bytes([]byte(name.String() + "\x00" + signal)), nil
	}
	return e
}

func (e *externalStep) Run(ctx context.Context) error {
	signal, err := e.env.Resolver.Resolve(ctx, e.name)
	if err != nil {
		return &ExecutionError{Step: e.name, Err: err}
	}
	e.env.Log.Debugf("external step %s signal=%q", e.name, signal)
	return nil
}
