package csv

import "strings"

const utf8BOM = "\uFEFF"

// CleanHeader strips a UTF-8 BOM from the first cell and surrounding
// whitespace from every cell, in place.
func CleanHeader(headers []string) []string {
	for i, h := range headers {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		headers[i] = strings.TrimSpace(h)
	}
	return headers
}
