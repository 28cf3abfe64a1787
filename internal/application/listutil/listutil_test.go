package listutil

import (
	"net/url"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		wantPage    int
		wantPerPage int
		wantSearch  string
		wantFilters map[string]string
	}{
		{"defaults", "", 1, DefaultPerPage, "", map[string]string{}},
		{"valid", "page=3&per_page=50", 3, 50, "", map[string]string{}},
		{"invalid per_page", "per_page=7", 1, DefaultPerPage, "", map[string]string{}},
		{"negative page", "page=-2", 1, DefaultPerPage, "", map[string]string{}},
		{"search trimmed", "q=+news+", 1, DefaultPerPage, "news", map[string]string{}},
		{"allowed filter only", "state=completed&evil=1", 1, DefaultPerPage, "", map[string]string{"state": "completed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := url.ParseQuery(tt.query)
			p := Parse(q, "state")
			if p.Page != tt.wantPage || p.PerPage != tt.wantPerPage || p.Search != tt.wantSearch {
				t.Errorf("got %+v", p)
			}
			if !reflect.DeepEqual(p.Filters, tt.wantFilters) {
				t.Errorf("Filters = %v, want %v", p.Filters, tt.wantFilters)
			}
		})
	}
}

func TestNewPageInfo(t *testing.T) {
	tests := []struct {
		page, perPage, total int
		want                 PageInfo
		start, end           int
	}{
		{1, 20, 0, PageInfo{Page: 1, PerPage: 20, Total: 0, TotalPages: 1}, 0, 0},
		{2, 20, 45, PageInfo{Page: 2, PerPage: 20, Total: 45, TotalPages: 3}, 21, 40},
		{9, 20, 45, PageInfo{Page: 3, PerPage: 20, Total: 45, TotalPages: 3}, 41, 45},
		{1, 0, 5, PageInfo{Page: 1, PerPage: DefaultPerPage, Total: 5, TotalPages: 1}, 1, 5},
	}
	for _, tt := range tests {
		got := NewPageInfo(tt.page, tt.perPage, tt.total)
		if got != tt.want {
			t.Errorf("NewPageInfo(%d,%d,%d) = %+v, want %+v", tt.page, tt.perPage, tt.total, got, tt.want)
		}
		if got.StartRow() != tt.start || got.EndRow() != tt.end {
			t.Errorf("rows = %d-%d, want %d-%d", got.StartRow(), got.EndRow(), tt.start, tt.end)
		}
	}
}

func TestPageNavigation(t *testing.T) {
	p := NewPageInfo(1, 10, 95)
	if p.HasPrev() || !p.HasNext() || p.NextPage() != 2 || p.PrevPage() != 1 {
		t.Errorf("first page navigation wrong: %+v", p)
	}
	if !reflect.DeepEqual(p.PageNumbers(), []int{1, 2, 3, 4, 5}) {
		t.Errorf("PageNumbers = %v", p.PageNumbers())
	}

	p = NewPageInfo(10, 10, 95)
	if !p.HasPrev() || p.HasNext() {
		t.Errorf("last page navigation wrong: %+v", p)
	}
	if !reflect.DeepEqual(p.PageNumbers(), []int{6, 7, 8, 9, 10}) {
		t.Errorf("PageNumbers = %v", p.PageNumbers())
	}

	if NewPageInfo(1, 20, 20).ShowPagination() {
		t.Error("single page should not show pagination")
	}
	if !NewPageInfo(1, 20, 21).ShowPagination() {
		t.Error("two pages should show pagination")
	}
}
