package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/parser"
)

// partPlan splits a large message into the text parts fetched during sync
// and the parts left on the server.
type partPlan struct {
	texts    []parser.TextPart
	deferred []parser.PartRef
}

func planParts(bs *imap.BodyStructure) partPlan {
	var plan partPlan
	if bs == nil {
		return plan
	}

	bs.Walk(func(path []int, part *imap.BodyStructure) bool {
		mimeType := strings.ToLower(part.MIMEType)
		if mimeType == "multipart" {
			return true
		}

		// A non-multipart message body is section 1.
		locator := "1"
		if len(path) > 0 {
			locator = locatorString(path)
		}

		contentType := mimeType + "/" + strings.ToLower(part.MIMESubType)
		filename, _ := part.Filename()
		disposition := strings.ToLower(part.Disposition)

		if mimeType == "text" && filename == "" && disposition != "attachment" &&
			(contentType == "text/plain" || contentType == "text/html") {
			plan.texts = append(plan.texts, parser.TextPart{
				Locator:     locator,
				ContentType: contentType,
				Charset:     part.Params["charset"],
				Encoding:    part.Encoding,
			})
			return false
		}

		plan.deferred = append(plan.deferred, parser.PartRef{
			Locator:     locator,
			Filename:    filename,
			ContentType: contentType,
			ContentID:   part.Id,
			Encoding:    part.Encoding,
			Inline:      disposition == "inline",
			Size:        int64(part.Size),
		})
		// Embedded messages are kept whole.
		return false
	})

	return plan
}

func locatorString(path []int) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// parseLocator turns "1.2" into []int{1, 2}.
func parseLocator(locator string) ([]int, error) {
	if locator == "" {
		return nil, fmt.Errorf("empty part locator")
	}
	fields := strings.Split(locator, ".")
	path := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid part locator %q", locator)
		}
		path[i] = n
	}
	return path, nil
}
