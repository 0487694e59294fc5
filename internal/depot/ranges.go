package depot

import (
	"strconv"
	"strings"
)

// httpRange is one resolved byte range: an offset into the object plus the
// number of bytes to serve.
type httpRange struct {
	start  int64
	length int64
}

const rangeUnit = "bytes="

// parseRangeHeader resolves a Range header against an object of the given
// size. Ranges are inclusive and the end is clamped to the final byte.
//
// A malformed header, or one carrying multiple ranges, reports ok == false
// and the caller serves the whole object instead. A header that is
// well-formed but cannot be satisfied, a start at or past the end of the
// object or a zero-length suffix, returns ErrInvalidRange.
func parseRangeHeader(header string, size int64) (rng httpRange, ok bool, err error) {
	if header == "" || !strings.HasPrefix(header, rangeUnit) {
		return httpRange{}, false, nil
	}
	spec := strings.TrimSpace(strings.TrimPrefix(header, rangeUnit))
	if spec == "" || strings.Contains(spec, ",") {
		return httpRange{}, false, nil
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return httpRange{}, false, nil
	}
	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	if startStr == "" {
		// Suffix form: the final N bytes of the object.
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix < 0 {
			return httpRange{}, false, nil
		}
		if suffix == 0 || size == 0 {
			return httpRange{}, false, ErrInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		return httpRange{start: size - suffix, length: suffix}, true, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return httpRange{}, false, nil
	}
	if start >= size {
		return httpRange{}, false, ErrInvalidRange
	}

	if endStr == "" {
		return httpRange{start: start, length: size - start}, true, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return httpRange{}, false, nil
	}
	if end >= size {
		end = size - 1
	}
	return httpRange{start: start, length: end - start + 1}, true, nil
}
