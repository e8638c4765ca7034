package http

import (
	"net/http"
	"sort"

	"github.com/golang/gddo/httputil/header"
)

// negotiateContentType picks the content type to answer with, from
// those offered in order of preference. The acceptable type with the
// highest quality wins; ties go to the earlier preference. With no
// Accept header the first preference is used; if nothing offered is
// acceptable the result is "".
func negotiateContentType(r *http.Request, offers []string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return offers[0]
	}

	rank := map[string]int{}
	for i, offer := range offers {
		rank[offer] = i
	}
	var acceptable []header.AcceptSpec
	for _, spec := range specs {
		if _, ok := rank[spec.Value]; ok {
			acceptable = append(acceptable, spec)
		}
	}
	if len(acceptable) == 0 {
		return ""
	}
	sort.SliceStable(acceptable, func(i, j int) bool {
		if acceptable[i].Q != acceptable[j].Q {
			return acceptable[i].Q > acceptable[j].Q
		}
		return rank[acceptable[i].Value] < rank[acceptable[j].Value]
	})
	return acceptable[0].Value
}
