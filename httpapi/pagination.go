package httpapi

import (
	"net/http"
	"strconv"
)

// pageParams parses the page/per_page query parameters, defaulting to page
// 0 and a per_page of 50.
func pageParams(r *http.Request) (page, perPage uint64) {
	page = parseUintDefault(r.URL.Query().Get("page"), 0)
	perPage = parseUintDefault(r.URL.Query().Get("per_page"), 50)
	if perPage == 0 {
		perPage = 50
	}
	return page, perPage
}

func parseUintDefault(s string, fallback uint64) uint64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
