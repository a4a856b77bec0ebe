package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/schema"
)

func newTask(t *testing.T, id entities.Id, title string, status string) entities.Document {
	t.Helper()
	document, err := entities.NewDocumentWithID(id, schema.TaskType, entities.DocumentData{"title": title, "status": status}, time.Now())
	if err != nil {
		t.Fatalf("failed to build task: %v", err)
	}
	return document
}

func listIDs(t *testing.T, store *testStore, filter Filter, page Page) ([]entities.Id, bool) {
	t.Helper()
	result, err := store.List(context.Background(), filter, page)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	ids := make([]entities.Id, 0, len(result.Items))
	for _, document := range result.Items {
		ids = append(ids, document.ID)
	}
	return ids, result.HasMore
}

func sameIDs(left []entities.Id, right ...entities.Id) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}

func seedListing(t *testing.T) *testStore {
	t.Helper()
	store := newTestStore(t)
	ctx := context.Background()

	mustStage(t, store, newNote(t, "note-1", "Groceries 100% fresh"))
	mustStage(t, store, newTask(t, "task-1", "Write report", "Todo"))
	mustStage(t, store, newTask(t, "task-2", "Review needle", "Done"))
	project, err := entities.NewDocumentWithID("project-1", schema.ProjectType,
		entities.DocumentData{"title": "Launch", "tasks": []any{"task-1", "task-2"}}, time.Now())
	if err != nil {
		t.Fatalf("failed to build project: %v", err)
	}
	mustStage(t, store, project)

	archived := newNote(t, "note-archived", "Old")
	archived.Archived = true
	mustStage(t, store, archived)
	mustStage(t, store, newNote(t, "note-erased", "Gone"))
	mustCommit(t, store)

	if _, err := store.Erase(ctx, "note-erased"); err != nil {
		t.Fatalf("erase failed: %v", err)
	}
	mustCommit(t, store)

	linked := newNote(t, "note-2", "Draft")
	linked.Data["data"] = "about " + schema.MarkupRef("task-1", "report")
	mustStage(t, store, linked)
	return store
}

func TestListModes(t *testing.T) {
	store := seedListing(t)

	testCases := []struct {
		name     string
		mode     ListMode
		expected []entities.Id
	}{
		{name: "relevant", mode: ModeRelevant, expected: []entities.Id{"note-2", "project-1", "task-2", "task-1", "note-1"}},
		{name: "archived", mode: ModeArchived, expected: []entities.Id{"note-archived"}},
		{name: "staged", mode: ModeStaged, expected: []entities.Id{"note-2"}},
		{name: "all", mode: ModeAll, expected: []entities.Id{"note-2", "note-erased", "note-archived", "project-1", "task-2", "task-1", "note-1"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ids, _ := listIDs(t, store, Filter{Mode: testCase.mode}, Page{})
			if !sameIDs(ids, testCase.expected...) {
				t.Fatalf("expected %v, got %v", testCase.expected, ids)
			}
		})
	}
}

func TestListFilters(t *testing.T) {
	store := seedListing(t)

	testCases := []struct {
		name     string
		filter   Filter
		expected []entities.Id
	}{
		{name: "by type", filter: Filter{Types: []entities.DocumentType{schema.TaskType}}, expected: []entities.Id{"task-2", "task-1"}},
		{name: "by field", filter: Filter{Fields: map[string]any{"status": "Todo"}}, expected: []entities.Id{"task-1"}},
		{name: "search is case insensitive", filter: Filter{Search: "NEEDLE"}, expected: []entities.Id{"task-2"}},
		{name: "search escapes wildcards", filter: Filter{Search: "100%"}, expected: []entities.Id{"note-1"}},
		{name: "refers to", filter: Filter{RefersTo: "task-1"}, expected: []entities.Id{"note-2", "project-1"}},
		{name: "collection members", filter: Filter{CollectionOf: "project-1"}, expected: []entities.Id{"task-2", "task-1"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ids, _ := listIDs(t, store, testCase.filter, Page{})
			if !sameIDs(ids, testCase.expected...) {
				t.Fatalf("expected %v, got %v", testCase.expected, ids)
			}
		})
	}

	_, err := store.List(context.Background(), Filter{Fields: map[string]any{"bad name')": 1}}, Page{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid field name to fail, got %v", err)
	}
	_, err = store.List(context.Background(), Filter{Mode: "weird"}, Page{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected invalid mode to fail, got %v", err)
	}
}

func TestListPagination(t *testing.T) {
	store := newTestStore(t)
	for index := 0; index < 7; index++ {
		mustStage(t, store, newNote(t, entities.Id(fmt.Sprintf("note-%d", index)), "n"))
	}

	first, more := listIDs(t, store, Filter{}, Page{Size: 3})
	if !sameIDs(first, "note-6", "note-5", "note-4") || !more {
		t.Fatalf("unexpected first page %v (more=%v)", first, more)
	}
	last, more := listIDs(t, store, Filter{}, Page{Offset: 6, Size: 3})
	if !sameIDs(last, "note-0") || more {
		t.Fatalf("unexpected last page %v (more=%v)", last, more)
	}

	page, err := store.List(context.Background(), Filter{}, Page{Offset: -4, Size: MaxPageSize * 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if page.Offset != 0 || page.Size != MaxPageSize || len(page.Items) != 7 {
		t.Fatalf("expected clamped page, got offset=%d size=%d items=%d", page.Offset, page.Size, len(page.Items))
	}
}

func TestParseListMode(t *testing.T) {
	for raw, expected := range map[string]ListMode{"": ModeRelevant, "relevant": ModeRelevant, " Staged ": ModeStaged, "all": ModeAll} {
		mode, err := ParseListMode(raw)
		if err != nil || mode != expected {
			t.Fatalf("ParseListMode(%q) = %q, %v", raw, mode, err)
		}
	}
	if _, err := ParseListMode("everything"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestListSearchMatchesLiteralAndUnicodeText(t *testing.T) {
	store := newTestStore(t)
	mustStage(t, store, newNote(t, "note-ampersand", "Tom & Jerry <3"))
	mustStage(t, store, newNote(t, "note-umlaut", "Ärger über Öl"))
	mustStage(t, store, newNote(t, "note-greek", "ΣΊΣΥΦΟΣ"))
	keyOnly := newNote(t, "note-key", "plain")
	keyOnly.Data["data"] = "nothing here"
	mustStage(t, store, keyOnly)

	testCases := []struct {
		search   string
		expected []entities.Id
	}{
		{search: "tom & jerry", expected: []entities.Id{"note-ampersand"}},
		{search: "<3", expected: []entities.Id{"note-ampersand"}},
		{search: "ärger", expected: []entities.Id{"note-umlaut"}},
		{search: "ÜBER öl", expected: []entities.Id{"note-umlaut"}},
		{search: "σίσυφος", expected: []entities.Id{"note-greek"}},
		{search: "title", expected: []entities.Id{}},
		{search: "u0026", expected: []entities.Id{}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.search, func(t *testing.T) {
			ids, _ := listIDs(t, store, Filter{Search: testCase.search}, Page{})
			if !sameIDs(ids, testCase.expected...) {
				t.Fatalf("expected %v, got %v", testCase.expected, ids)
			}
		})
	}
}

func TestListSearchPaginatesMatches(t *testing.T) {
	store := newTestStore(t)
	for index := 0; index < 5; index++ {
		mustStage(t, store, newNote(t, entities.Id(fmt.Sprintf("match-%d", index)), "Needle"))
		mustStage(t, store, newNote(t, entities.Id(fmt.Sprintf("other-%d", index)), "hay"))
	}

	first, more := listIDs(t, store, Filter{Search: "needle"}, Page{Size: 2})
	if !sameIDs(first, "match-4", "match-3") || !more {
		t.Fatalf("unexpected first page %v (more=%v)", first, more)
	}
	last, more := listIDs(t, store, Filter{Search: "needle"}, Page{Offset: 4, Size: 2})
	if !sameIDs(last, "match-0") || more {
		t.Fatalf("unexpected last page %v (more=%v)", last, more)
	}
	beyond, more := listIDs(t, store, Filter{Search: "needle"}, Page{Offset: 9, Size: 2})
	if len(beyond) != 0 || more {
		t.Fatalf("expected empty page, got %v (more=%v)", beyond, more)
	}
}

func TestListItemsCarryTitles(t *testing.T) {
	store := seedListing(t)
	page, err := store.List(context.Background(), Filter{Types: []entities.DocumentType{schema.TaskType, schema.NoteType}}, Page{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	titles := map[entities.Id]string{}
	for _, item := range page.Items {
		titles[item.ID] = item.Title
	}
	if titles["task-1"] != "Write report" || titles["note-2"] != "Draft" {
		t.Fatalf("unexpected titles %v", titles)
	}
}
