package provider

import (
	"context"
	"net/url"
	"strconv"
	"time"
)

// Product is an item whose market price is tracked.
type Product struct {
	Code       string `json:"code"`
	SearchTerm string `json:"searchTerm"`
	Unit       string `json:"unit"`
}

type PriceObservation struct {
	ProductCode string    `json:"productCode"`
	Market      string    `json:"market"`
	Unit        string    `json:"unit"`
	Price       float64   `json:"price"`
	Currency    string    `json:"currency"`
	ObservedAt  time.Time `json:"observedAt"`
	SourceURL   string    `json:"sourceUrl"`
}

type PriceFeed interface {
	// ListProducts returns up to limit products, least recently researched first.
	ListProducts(ctx context.Context, limit int) ([]Product, error)
	FetchPrices(ctx context.Context, product Product) ([]PriceObservation, error)
}

type HttpPriceFeed struct {
	client *Client
}

func NewHttpPriceFeed(client *Client) *HttpPriceFeed {
	return &HttpPriceFeed{client: client}
}

func (f *HttpPriceFeed) ListProducts(ctx context.Context, limit int) ([]Product, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(limit))
	var response struct {
		Products []Product `json:"products"`
	}
	if err := f.client.getJSON(ctx, "products", params, &response); err != nil {
		return nil, err
	}
	return response.Products, nil
}

func (f *HttpPriceFeed) FetchPrices(ctx context.Context, product Product) ([]PriceObservation, error) {
	params := url.Values{}
	params.Set("product", product.Code)
	if product.SearchTerm != "" {
		params.Set("term", product.SearchTerm)
	}
	var response struct {
		Prices []PriceObservation `json:"prices"`
	}
	if err := f.client.getJSON(ctx, "prices", params, &response); err != nil {
		return nil, err
	}
	for i := range response.Prices {
		if response.Prices[i].ProductCode == "" {
			response.Prices[i].ProductCode = product.Code
		}
	}
	return response.Prices, nil
}
