package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v69/github"
)

// discussionsQuery asks for the most recently updated discussions in a
// repository. Repository discussions have no REST surface, only GraphQL,
// so this bypasses the go-github REST client and posts directly.
const discussionsQuery = `
query($owner: String!, $name: String!, $first: Int!) {
  repository(owner: $owner, name: $name) {
    discussions(first: $first, orderBy: {field: UPDATED_AT, direction: DESC}) {
      nodes {
        number
        title
        body
        url
        createdAt
        updatedAt
        category { name }
        author { login ... on User { name avatarUrl } }
      }
    }
  }
}`

type discussionsResponse struct {
	Data struct {
		Repository struct {
			Discussions struct {
				Nodes []struct {
					Number    int    `json:"number"`
					Title     string `json:"title"`
					Body      string `json:"body"`
					URL       string `json:"url"`
					CreatedAt string `json:"createdAt"`
					UpdatedAt string `json:"updatedAt"`
					Category  struct {
						Name string `json:"name"`
					} `json:"category"`
					Author struct {
						Login     string `json:"login"`
						Name      string `json:"name"`
						AvatarURL string `json:"avatarUrl"`
					} `json:"author"`
				} `json:"nodes"`
			} `json:"discussions"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ListDiscussions returns discussions updated since the given time.
// Supplemental to the original four list operations: discussions appear
// in the Subscription watch bitset but the distilled spec's operation
// list never named an accessor for them.
func (c *Client) ListDiscussions(ctx context.Context, ref string, since time.Time) ([]Discussion, error) {
	owner, name, err := splitRepo(ref)
	if err != nil {
		return nil, err
	}
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"query": discussionsQuery,
		"variables": map[string]any{
			"owner": owner,
			"name":  name,
			"first": 50,
		},
	})
	if err != nil {
		return nil, err
	}

	endpoint := c.graphQLEndpoint()
	var parsed discussionsResponse

	err = c.withRetry(ctx, "ListDiscussions", func() (*github.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return &github.Response{Response: resp}, fmt.Errorf("graphql request failed: status %d: %s", resp.StatusCode, raw)
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %s", parsed.Errors[0].Message)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	var out []Discussion
	for _, n := range parsed.Data.Repository.Discussions.Nodes {
		updatedAt, err := time.Parse(time.RFC3339, n.UpdatedAt)
		if err != nil || updatedAt.Before(since) {
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, n.CreatedAt)
		out = append(out, Discussion{
			Number:       n.Number,
			Title:        n.Title,
			Body:         n.Body,
			Category:     n.Category.Name,
			AuthorLogin:  n.Author.Login,
			AuthorName:   n.Author.Name,
			AuthorAvatar: n.Author.AvatarURL,
			URL:          n.URL,
			CreatedAt:    createdAt,
			UpdatedAt:    updatedAt,
		})
	}
	return out, nil
}
