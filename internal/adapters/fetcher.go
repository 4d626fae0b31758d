package adapters

import (
	"context"

	"github.com/ZanzyTHEbar/searchscale"
)

// FetcherFunc adapts a plain function to the searchscale.Fetcher interface.
type FetcherFunc func(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error)

// Fetch implements searchscale.Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req searchscale.FetchRequest) (*searchscale.FetchResponse, error) {
	return f(ctx, req)
}
