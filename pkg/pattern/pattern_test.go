package pattern

import (
	"context"
	"strings"
	"testing"
)

func validContent() string {
	return strings.Repeat("a", 60)
}

func TestCreateValidPattern(t *testing.T) {
	lib := New()
	p, err := lib.Create(context.Background(), Builder{
		Title:   "OAuth2 flow",
		Content: validContent(),
		Tags:    []string{"Security", "OAuth2"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" {
		t.Error("expected non-empty ID")
	}
	if p.Tags[0] != "security" {
		t.Errorf("expected tags lower-cased, got %q", p.Tags[0])
	}
	if p.UpdatedAt.Before(p.CreatedAt) {
		t.Error("updated_at must be >= created_at")
	}
}

func TestCreateRejectsShortTitle(t *testing.T) {
	lib := New()
	_, err := lib.Create(context.Background(), Builder{Title: "ab", Content: validContent()})
	if err == nil {
		t.Fatal("expected validation error for short title")
	}
}

func TestCreateRejectsShortContent(t *testing.T) {
	lib := New()
	_, err := lib.Create(context.Background(), Builder{Title: "valid title", Content: "too short"})
	if err == nil {
		t.Fatal("expected validation error for short content")
	}
}

func TestCreateRejectsTooManyTags(t *testing.T) {
	lib := New()
	tags := make([]string, 21)
	for i := range tags {
		tags[i] = "t"
	}
	_, err := lib.Create(context.Background(), Builder{Title: "valid title", Content: validContent(), Tags: tags})
	if err == nil {
		t.Fatal("expected validation error for too many tags")
	}
}

func TestCreateRejectsSuspiciousContent(t *testing.T) {
	lib := New()
	_, err := lib.Create(context.Background(), Builder{
		Title:   "valid title",
		Content: validContent() + "<script>alert(1)</script>",
	})
	if err == nil {
		t.Fatal("expected validation error for suspicious content")
	}
}

func TestCreateRejectsSQLInjection(t *testing.T) {
	lib := New()
	_, err := lib.Create(context.Background(), Builder{
		Title:   "Bad SQL Pattern",
		Content: `SELECT * FROM users WHERE name = " + userName and this string is long enough`,
	})
	if err == nil {
		t.Fatal("expected validation error for SQL injection pattern")
	}
	if !strings.Contains(err.Error(), "SQL Injection") {
		t.Errorf("expected SQL Injection in error, got %v", err)
	}
}

func TestCreateRejectsCommandInjection(t *testing.T) {
	lib := New()
	_, err := lib.Create(context.Background(), Builder{
		Title:   "Insecure Command Execution",
		Content: `exec("ls " + user_input) and this string is padded to be long enough`,
	})
	if err == nil {
		t.Fatal("expected validation error for command injection pattern")
	}
	if !strings.Contains(err.Error(), "Command Injection") {
		t.Errorf("expected Command Injection in error, got %v", err)
	}
}

func TestCreateRejectsHardcodedCredentials(t *testing.T) {
	lib := New()
	_, err := lib.Create(context.Background(), Builder{
		Title:   "Database Connection",
		Content: `password = "admin123" and this string is padded to be long enough for validation`,
	})
	if err == nil {
		t.Fatal("expected validation error for hardcoded credentials")
	}
	if !strings.Contains(err.Error(), "Hardcoded Credentials") {
		t.Errorf("expected Hardcoded Credentials in error, got %v", err)
	}
}

func TestCreateAllowsSecureSQLPattern(t *testing.T) {
	lib := New()
	_, err := lib.Create(context.Background(), Builder{
		Title:   "Secure Database Query",
		Content: `Use parameterized queries to prevent SQL injection: query("SELECT * FROM users WHERE id = ?", id)`,
	})
	if err != nil {
		t.Fatalf("expected secure parameterized-query pattern to pass, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	lib := New()
	if _, err := lib.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestUpdateBumpsUpdatedAt(t *testing.T) {
	lib := New()
	ctx := context.Background()
	p, err := lib.Create(ctx, Builder{Title: "title", Content: validContent()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := lib.Update(ctx, p.ID, func(pat *Pattern) error {
		pat.Content = validContent() + " more"
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !updated.UpdatedAt.After(p.UpdatedAt) && updated.UpdatedAt != p.UpdatedAt {
		t.Error("expected updated_at to advance")
	}
	if updated.CreatedAt != p.CreatedAt {
		t.Error("created_at must not change on update")
	}
}

func TestDeleteEmitsChangeEvent(t *testing.T) {
	lib := New()
	ctx := context.Background()
	var events []ChangeEvent
	lib.Subscribe(func(ev ChangeEvent) { events = append(events, ev) })

	p, err := lib.Create(ctx, Builder{Title: "title", Content: validContent()})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := lib.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (created, deleted), got %d", len(events))
	}
	if events[1].Kind != Deleted {
		t.Errorf("expected last event to be Deleted, got %v", events[1].Kind)
	}

	if _, err := lib.Get(ctx, p.ID); err == nil {
		t.Fatal("expected pattern to be gone after delete")
	}
}

func TestIterReturnsSnapshot(t *testing.T) {
	lib := New()
	ctx := context.Background()
	lib.Create(ctx, Builder{Title: "one", Content: validContent()})
	lib.Create(ctx, Builder{Title: "two", Content: validContent()})

	patterns, err := lib.Iter(ctx)
	if err != nil {
		t.Fatalf("Iter: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(patterns))
	}
}
