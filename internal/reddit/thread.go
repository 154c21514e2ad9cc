package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/oauth2"
)

var threadIDPattern = regexp.MustCompile(`^[a-z0-9]{1,12}$`)

// Thread is a resolved submission.
type Thread struct {
	ID        string
	Subreddit string
	Title     string
	Author    string
	URL       string
}

// ParseThreadURL extracts the base36 submission id from a thread URL. Accepted forms are
// https://www.reddit.com/r/{sub}/comments/{id}/... (any reddit.com subdomain) and
// https://redd.it/{id}.
func ParseThreadURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", &ResolveError{Reason: ReasonMalformed, Err: errors.New("empty url")}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", &ResolveError{Reason: ReasonMalformed, Err: err}
	}
	host := strings.ToLower(u.Hostname())
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })

	var id string
	switch {
	case host == "redd.it":
		if len(segments) > 0 {
			id = segments[0]
		}
	case host == "reddit.com" || strings.HasSuffix(host, ".reddit.com"):
		for i, seg := range segments {
			if seg == "comments" && i+1 < len(segments) {
				id = segments[i+1]
				break
			}
		}
	default:
		return "", &ResolveError{Reason: ReasonMalformed, Err: fmt.Errorf("not a reddit url: %q", host)}
	}

	id = strings.ToLower(id)
	if !threadIDPattern.MatchString(id) {
		return "", &ResolveError{Reason: ReasonMalformed, Err: errors.New("url does not point at a thread")}
	}
	return id, nil
}

type submissionData struct {
	ID                string `json:"id"`
	Subreddit         string `json:"subreddit"`
	Title             string `json:"title"`
	Author            string `json:"author"`
	Permalink         string `json:"permalink"`
	RemovedByCategory string `json:"removed_by_category"`
}

// ResolveThread looks the thread up so a session only starts on something readable.
// Failures are *ResolveError.
func (c *Client) ResolveThread(ctx context.Context, rawURL string) (Thread, error) {
	id, err := ParseThreadURL(rawURL)
	if err != nil {
		return Thread{}, err
	}
	if c == nil {
		return Thread{}, &ResolveError{Reason: ReasonUnauthenticated, Err: ErrNotConfigured}
	}

	var out listing
	if err := c.getJSON(ctx, "/by_id/t3_"+id, url.Values{"raw_json": {"1"}}, &out); err != nil {
		return Thread{}, classifyResolveError(err)
	}
	for _, child := range out.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		var sub submissionData
		if err := json.Unmarshal(child.Data, &sub); err != nil {
			return Thread{}, &ResolveError{Reason: ReasonUpstream, Err: fmt.Errorf("decode submission: %w", err)}
		}
		if sub.RemovedByCategory != "" {
			return Thread{}, &ResolveError{Reason: ReasonNotFound, Err: fmt.Errorf("thread removed (%s)", sub.RemovedByCategory)}
		}
		author := sub.Author
		if author == "" {
			author = deletedAuthor
		}
		return Thread{
			ID:        sub.ID,
			Subreddit: sub.Subreddit,
			Title:     sub.Title,
			Author:    author,
			URL:       "https://www.reddit.com" + sub.Permalink,
		}, nil
	}
	return Thread{}, &ResolveError{Reason: ReasonNotFound, Err: fmt.Errorf("thread %s not found", id)}
}

func classifyResolveError(err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return &ResolveError{Reason: ReasonUnauthenticated, Err: err}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			return &ResolveError{Reason: ReasonUnauthenticated, Err: err}
		case http.StatusForbidden:
			return &ResolveError{Reason: ReasonForbidden, Err: err}
		case http.StatusNotFound:
			return &ResolveError{Reason: ReasonNotFound, Err: err}
		}
	}
	return &ResolveError{Reason: ReasonUpstream, Err: err}
}
