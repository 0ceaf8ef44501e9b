package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"chip-extractor/internal/geojson"
)

// maxSearchPages bounds pagination so a catalog that keeps handing out next
// links cannot stall a task forever.
const maxSearchPages = 50

// STACClient implements Finder against a STAC API using item search
// (POST /search) with the eo:cloud_cover query extension.
type STACClient struct {
	client     *resty.Client
	collection string
	limit      int
	logger     *slog.Logger
}

func NewSTACClient(baseURL, collection string, limit int, timeout time.Duration, logger *slog.Logger) *STACClient {
	return &STACClient{
		client:     resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		collection: collection,
		limit:      limit,
		logger:     logger.With("component", "STACClient"),
	}
}

type searchGeometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type searchRequest struct {
	Intersects  searchGeometry                `json:"intersects"`
	Datetime    string                        `json:"datetime"`
	Collections []string                      `json:"collections"`
	Query       map[string]map[string]float64 `json:"query"`
	Limit       int                           `json:"limit"`
}

type stacAsset struct {
	Href string `json:"href"`
}

type stacItem struct {
	ID         string `json:"id"`
	Properties struct {
		Datetime   string  `json:"datetime"`
		CloudCover float64 `json:"eo:cloud_cover"`
	} `json:"properties"`
	Assets map[string]stacAsset `json:"assets"`
}

type stacLink struct {
	Rel    string          `json:"rel"`
	Href   string          `json:"href"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body"`
}

type searchResponse struct {
	Features []stacItem `json:"features"`
	Links    []stacLink `json:"links"`
}

// Find returns every scene in the collection intersecting pt during year with
// cloud cover at or below maxCloudCover, ordered by cloud cover ascending.
// The cloud filter is requested server-side and re-applied client-side in
// case the catalog ignores the query extension.
func (c *STACClient) Find(ctx context.Context, pt geojson.Point, year int, maxCloudCover float64) ([]Scene, error) {
	body, err := json.Marshal(searchRequest{
		Intersects: searchGeometry{
			Type:        "Point",
			Coordinates: [2]float64{pt.Lon, pt.Lat},
		},
		Datetime:    fmt.Sprintf("%d-01-01T00:00:00Z/%d-12-31T23:59:59Z", year, year),
		Collections: []string{c.collection},
		Query:       map[string]map[string]float64{"eo:cloud_cover": {"lte": maxCloudCover}},
		Limit:       c.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrSearch, err)
	}

	var scenes []Scene

	nextURL := "/search"
	nextMethod := "POST"
	nextBody := body

	for page := 0; page < maxSearchPages && nextURL != ""; page++ {
		var result searchResponse

		req := c.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetResult(&result)

		var resp *resty.Response
		if nextMethod == "GET" {
			resp, err = req.Get(nextURL)
		} else {
			resp, err = req.SetBody(nextBody).Post(nextURL)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: point %s year %d: %v", ErrSearch, pt.ID, year, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: point %s year %d: status %d: %s", ErrSearch, pt.ID, year, resp.StatusCode(), resp.String())
		}

		for _, item := range result.Features {
			scene, ok := c.toScene(item, maxCloudCover)
			if ok {
				scenes = append(scenes, scene)
			}
		}

		nextURL, nextMethod, nextBody = nextLink(result.Links, body)
	}

	sort.SliceStable(scenes, func(i, j int) bool {
		return scenes[i].CloudCover < scenes[j].CloudCover
	})

	c.logger.Debug("search complete", "point", pt.ID, "year", year, "scenes", len(scenes))
	return scenes, nil
}

func (c *STACClient) toScene(item stacItem, maxCloudCover float64) (Scene, bool) {
	if item.Properties.CloudCover > maxCloudCover {
		c.logger.Debug("dropping scene over cloud threshold", "scene", item.ID, "cloud_cover", item.Properties.CloudCover)
		return Scene{}, false
	}

	acquired, err := time.Parse(time.RFC3339, item.Properties.Datetime)
	if err != nil {
		c.logger.Warn("dropping scene with unparsable datetime", "scene", item.ID, "datetime", item.Properties.Datetime)
		return Scene{}, false
	}

	assets := make(map[string]string, len(item.Assets))
	for name, asset := range item.Assets {
		assets[name] = asset.Href
	}

	return Scene{
		ID:         item.ID,
		Assets:     assets,
		Acquired:   acquired,
		CloudCover: item.Properties.CloudCover,
	}, true
}

// nextLink resolves the follow-up request for paginated results. STAC next
// links for POST searches carry a body to merge over the original request; we
// only ever send limit/intersects/datetime/collections/query plus the token
// fields the server returns, so replacing the body wholesale with the
// server-provided one merged over the original keeps both in play.
func nextLink(links []stacLink, original []byte) (url, method string, body []byte) {
	for _, link := range links {
		if link.Rel != "next" || link.Href == "" {
			continue
		}

		if link.Method == "GET" {
			return link.Href, "GET", nil
		}

		merged := mergeBodies(original, link.Body)
		return link.Href, "POST", merged
	}
	return "", "", nil
}

func mergeBodies(original, override json.RawMessage) []byte {
	var base, extra map[string]json.RawMessage
	if err := json.Unmarshal(original, &base); err != nil {
		return original
	}
	if len(override) > 0 {
		if err := json.Unmarshal(override, &extra); err == nil {
			for k, v := range extra {
				base[k] = v
			}
		}
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return original
	}
	return merged
}
