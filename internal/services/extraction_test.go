package services

import (
	"testing"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
)

func TestVisionPage(t *testing.T) {
	cases := []struct {
		name string
		fta  *visionpb.TextAnnotation
		want ExtractedPage
	}{
		{
			name: "nil_annotation_is_empty_page",
			fta:  nil,
			want: ExtractedPage{Page: 1},
		},
		{
			name: "text_without_page_metadata",
			fta:  &visionpb.TextAnnotation{Text: "scanned text"},
			want: ExtractedPage{Page: 1, Text: "scanned text"},
		},
		{
			name: "text_with_dimensions_and_confidence",
			fta: &visionpb.TextAnnotation{
				Text: "receipt total 42.00",
				Pages: []*visionpb.Page{{
					Width:      800,
					Height:     600,
					Confidence: 0.93,
				}},
			},
			want: ExtractedPage{Page: 1, Text: "receipt total 42.00", Width: 800, Height: 600, Confidence: float64(float32(0.93))},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := visionPage(tc.fta)
			if got != tc.want {
				t.Fatalf("visionPage = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDocAIPagesAnchoredText(t *testing.T) {
	full := "first page text.second page text."
	doc := &documentaipb.Document{
		Text: full,
		Pages: []*documentaipb.Document_Page{
			{
				PageNumber: 1,
				Layout: &documentaipb.Document_Page_Layout{
					Confidence: 0.9,
					TextAnchor: &documentaipb.Document_TextAnchor{
						TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{
							{StartIndex: 0, EndIndex: 16},
						},
					},
				},
			},
			{
				PageNumber: 2,
				Layout: &documentaipb.Document_Page_Layout{
					TextAnchor: &documentaipb.Document_TextAnchor{
						TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{
							{StartIndex: 16, EndIndex: 33},
						},
					},
				},
			},
		},
	}

	pages := docAIPages(doc)
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages[0].Text != "first page text." || pages[1].Text != "second page text." {
		t.Fatalf("anchored text wrong: %q / %q", pages[0].Text, pages[1].Text)
	}
	if pages[0].Page != 1 || pages[1].Page != 2 {
		t.Fatalf("page numbers wrong: %d / %d", pages[0].Page, pages[1].Page)
	}
}

func TestDocAIPagesFallbackToFullText(t *testing.T) {
	doc := &documentaipb.Document{Text: "no page layout at all"}
	pages := docAIPages(doc)
	if len(pages) != 1 || pages[0].Page != 1 || pages[0].Text != "no page layout at all" {
		t.Fatalf("fallback pages = %+v", pages)
	}
}
