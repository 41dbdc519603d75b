package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// partition is one structural unit of an extracted document: a page, a
// spreadsheet sheet or an email part. Chunking never crosses a
// partition boundary.
type partition struct {
	Location string
	Content  string
}

const pageBreakMarker = "<!-- PageBreak -->"

var (
	pageNumberRe  = regexp.MustCompile(`<!-- PageNumber="(\d+)" -->`)
	pageCommentRe = regexp.MustCompile(`<!-- Page(?:Header|Footer|Number)="[^"]*" -->\s*`)
	pdfPageRe     = regexp.MustCompile(`(?im)^##\s+Page\s+(\d+)\s*$`)
	excelSheetRe  = regexp.MustCompile(`(?im)^##\s+Sheet:\s+(.+?)\s*$`)
	emailPartRe   = regexp.MustCompile(`(?im)^##\s+(Email\s+\w+)\s*$`)
	genericRe     = regexp.MustCompile(`(?im)^##\s+(.+?)\s*$`)
	leadingRuleRe = regexp.MustCompile(`^---\s*`)
	trailRuleRe   = regexp.MustCompile(`\s*---\s*$`)
)

// splitPartitions breaks extracted markdown into locatable partitions.
// PDFs from document-intelligence extraction carry explicit PageBreak
// comments; older extractions and other formats use heading markers.
func splitPartitions(content string, sourceFile string) []partition {
	lower := strings.ToLower(sourceFile)
	isPDF := strings.HasSuffix(lower, ".pdf")
	isExcel := strings.HasSuffix(lower, ".xlsx") || strings.HasSuffix(lower, ".xls") || strings.HasSuffix(lower, ".csv")
	isEmail := strings.HasSuffix(lower, ".msg")

	if isPDF && strings.Contains(content, pageBreakMarker) {
		return splitByPageBreaks(content)
	}

	var re *regexp.Regexp
	var makeLocation func(match []string) string
	switch {
	case isPDF:
		re = pdfPageRe
		makeLocation = func(m []string) string { return "Page " + m[1] }
	case isExcel:
		re = excelSheetRe
		makeLocation = func(m []string) string { return "Sheet: " + m[1] }
	case isEmail:
		re = emailPartRe
		makeLocation = func(m []string) string { return m[1] }
	default:
		re = genericRe
		makeLocation = func(m []string) string { return m[1] }
	}

	markers := re.FindAllStringSubmatchIndex(content, -1)
	if len(markers) == 0 {
		location := "Section 1"
		if isPDF {
			location = "Page 1"
		}
		return []partition{{Location: location, Content: content}}
	}

	parts := make([]partition, 0, len(markers))
	for i, marker := range markers {
		groups := make([]string, 0, len(marker)/2)
		for g := 0; g < len(marker); g += 2 {
			if marker[g] < 0 {
				groups = append(groups, "")
				continue
			}
			groups = append(groups, content[marker[g]:marker[g+1]])
		}
		start := marker[1]
		end := len(content)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		body := strings.TrimSpace(content[start:end])
		body = leadingRuleRe.ReplaceAllString(body, "")
		body = trailRuleRe.ReplaceAllString(body, "")
		if body == "" {
			continue
		}
		parts = append(parts, partition{Location: makeLocation(groups), Content: body})
	}
	return parts
}

func splitByPageBreaks(content string) []partition {
	pages := strings.Split(content, pageBreakMarker)
	parts := make([]partition, 0, len(pages))
	for i, page := range pages {
		page = strings.TrimSpace(page)
		if page == "" {
			continue
		}
		pageNum := i + 1
		if m := pageNumberRe.FindStringSubmatch(page); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				pageNum = n
			}
		}
		// Header/footer/number comments are layout metadata, not content.
		clean := strings.TrimSpace(pageCommentRe.ReplaceAllString(page, ""))
		if clean == "" {
			continue
		}
		parts = append(parts, partition{
			Location: fmt.Sprintf("Page %d", pageNum),
			Content:  clean,
		})
	}
	return parts
}
