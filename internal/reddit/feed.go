package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/antoniostano/threadvoice/internal/reliability"
)

const (
	deletedAuthor = "[deleted]"

	feedPageSize     = 100
	feedSeenCapacity = 301
	feedMaxBackoff   = 16 * time.Second
	feedMaxRetries   = 3
)

// Comment is one item from a subreddit comment feed.
type Comment struct {
	ID         string
	Name       string
	LinkID     string
	Author     string
	Body       string
	Permalink  string
	CreatedUTC float64
}

// ThreadID returns the submission id from LinkID ("t3_abc" -> "abc").
func (c Comment) ThreadID() string {
	return strings.TrimPrefix(c.LinkID, "t3_")
}

type commentData struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	LinkID     string  `json:"link_id"`
	Author     string  `json:"author"`
	Body       string  `json:"body"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
}

// Stream polls the subreddit comment feed and yields new comments oldest first.
// Comments already present at the first poll are skipped. Both channels close when ctx
// is done or after an unrecoverable error, which is sent on the error channel first.
func (c *Client) Stream(ctx context.Context, subreddit string) (<-chan Comment, <-chan error) {
	out := make(chan Comment)
	errs := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errs)
		if err := c.stream(ctx, subreddit, out); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()
	return out, errs
}

func (c *Client) stream(ctx context.Context, subreddit string, out chan<- Comment) error {
	if c == nil {
		return ErrNotConfigured
	}
	subreddit = strings.TrimSpace(subreddit)
	if subreddit == "" {
		return errors.New("subreddit is required")
	}
	path := "/r/" + url.PathEscape(subreddit) + "/comments"
	seen := newBoundedSet(feedSeenCapacity)

	first := true
	idle := 0
	for {
		batch, err := c.pollWithRetry(ctx, path)
		if err != nil {
			return err
		}

		fresh := make([]Comment, 0, len(batch))
		for _, cm := range batch {
			if seen.Contains(cm.Name) {
				continue
			}
			seen.Add(cm.Name)
			fresh = append(fresh, cm)
		}

		skip := first
		first = false
		if skip {
			fresh = nil
		}
		// Listing is newest first; emit in arrival order.
		sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].CreatedUTC < fresh[j].CreatedUTC })
		for _, cm := range fresh {
			select {
			case out <- cm:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if len(fresh) > 0 || skip {
			idle = 0
		} else {
			idle++
		}
		if err := sleepCtx(ctx, reliability.ExponentialBackoff(idle, c.cfg.PollInterval, feedMaxBackoff)); err != nil {
			return err
		}
	}
}

func (c *Client) pollWithRetry(ctx context.Context, path string) ([]Comment, error) {
	var lastErr error
	for attempt := 0; attempt <= feedMaxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.cfg.PollInterval, feedMaxBackoff)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
				wait = min(reliability.RetryAfter(apiErr.Header, wait), feedMaxBackoff)
			}
			c.logger.Warnw("comment feed poll failed, retrying", "attempt", attempt, "wait", wait, "error", lastErr)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		batch, err := c.poll(ctx, path)
		if err == nil {
			c.metrics.ObserveFeedPoll("ok")
			return batch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !retryablePollError(err) {
			c.metrics.ObserveFeedPoll("error")
			return nil, err
		}
		c.metrics.ObserveFeedPoll("retry")
	}
	c.metrics.ObserveFeedPoll("error")
	return nil, fmt.Errorf("comment feed unavailable after %d retries: %w", feedMaxRetries, lastErr)
}

func (c *Client) poll(ctx context.Context, path string) ([]Comment, error) {
	var out listing
	query := url.Values{"limit": {fmt.Sprint(feedPageSize)}, "raw_json": {"1"}}
	if err := c.getJSON(ctx, path, query, &out); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(out.Data.Children))
	for _, child := range out.Data.Children {
		if child.Kind != "t1" {
			continue
		}
		var d commentData
		if err := json.Unmarshal(child.Data, &d); err != nil {
			return nil, fmt.Errorf("decode comment: %w", err)
		}
		name := d.Name
		if name == "" {
			name = "t1_" + d.ID
		}
		comments = append(comments, Comment{
			ID:         d.ID,
			Name:       name,
			LinkID:     d.LinkID,
			Author:     d.Author,
			Body:       d.Body,
			Permalink:  d.Permalink,
			CreatedUTC: d.CreatedUTC,
		})
	}
	return comments, nil
}

func retryablePollError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.StatusCode)
	}
	// Token failures will not fix themselves by polling again.
	var resolveErr *ResolveError
	if errors.As(classifyResolveError(err), &resolveErr) && resolveErr.Reason == ReasonUnauthenticated {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// boundedSet remembers the most recent capacity keys.
type boundedSet struct {
	capacity int
	order    []string
	items    map[string]struct{}
}

func newBoundedSet(capacity int) *boundedSet {
	return &boundedSet{capacity: capacity, items: make(map[string]struct{}, capacity)}
}

func (s *boundedSet) Contains(key string) bool {
	_, ok := s.items[key]
	return ok
}

func (s *boundedSet) Add(key string) {
	if _, ok := s.items[key]; ok {
		return
	}
	s.items[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
}
