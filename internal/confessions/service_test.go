package confessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"github.com/FabianTorres/confesiones/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("doc-%03d", s.next), nil
}

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type stubProfiles map[string]users.Profile

func (p stubProfiles) GetProfile(_ context.Context, userID string) (users.Profile, error) {
	profile, ok := p[userID]
	if !ok {
		return users.Profile{}, users.ErrProfileNotFound
	}
	return profile, nil
}

func newTestService(t *testing.T, profiles ProfileSource) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Community{}, &Confession{}, &Comment{}, &Report{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	transactor, err := store.NewTransactor(store.TransactorConfig{Database: db, InitialInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build transactor: %v", err)
	}
	dispatcher := realtime.NewDispatcher()
	clock := &stubClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Transactor: transactor,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
		Publisher:  dispatcher,
		Subscriber: dispatcher,
		Profiles:   profiles,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustCreate(t *testing.T, service *Service, author, community, text string) Confession {
	t.Helper()
	confession, err := service.CreateConfession(context.Background(), author, community, text)
	if err != nil {
		t.Fatalf("create confession failed: %v", err)
	}
	return confession
}

func TestCreateConfessionCopiesAuthorTags(t *testing.T) {
	gender := "male"
	age := 31
	country := "CL"
	service := newTestService(t, stubProfiles{
		"author-1": {UserID: "author-1", Gender: &gender, Age: &age, CountryCode: &country},
	})

	confession := mustCreate(t, service, "author-1", "campus", "  hola mundo  ")
	if confession.Text != "hola mundo" {
		t.Fatalf("expected trimmed text, got %q", confession.Text)
	}
	loaded, err := service.GetConfession(context.Background(), confession.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded.AuthorGender == nil || *loaded.AuthorGender != "male" || *loaded.AuthorAge != 31 || *loaded.AuthorCountry != "CL" {
		t.Fatalf("expected author tags copied, got %+v", loaded)
	}
	if loaded.LikesCount != 0 || loaded.Likes.Size() != 0 || loaded.CommentsCount != 0 {
		t.Fatalf("expected empty counters, got %+v", loaded)
	}

	untagged := mustCreate(t, service, "author-2", "campus", "sin perfil")
	if untagged.AuthorGender != nil || untagged.AuthorAge != nil {
		t.Fatalf("expected missing profile to leave tags empty, got %+v", untagged)
	}
}

func TestCreateConfessionValidatesText(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	if _, err := service.CreateConfession(ctx, "author", "campus", "   "); !errors.Is(err, ErrInvalidText) {
		t.Fatalf("expected blank text rejection, got %v", err)
	}
	long := make([]rune, MaxTextLength+1)
	for i := range long {
		long[i] = 'ñ'
	}
	if _, err := service.CreateConfession(ctx, "author", "campus", string(long)); !errors.Is(err, ErrInvalidText) {
		t.Fatalf("expected oversized text rejection, got %v", err)
	}
	if _, err := service.CreateConfession(ctx, "author", "campus", string(long[:MaxTextLength])); err != nil {
		t.Fatalf("expected text at the limit to be accepted, got %v", err)
	}
}

func TestToggleLikeParity(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	confession := mustCreate(t, service, "author", "campus", "texto")

	for calls := 1; calls <= 5; calls++ {
		updated, err := service.ToggleLike(ctx, confession.ID, "user-a")
		if err != nil {
			t.Fatalf("toggle %d failed: %v", calls, err)
		}
		wantLiked := calls%2 == 1
		if updated.LikedBy("user-a") != wantLiked {
			t.Fatalf("after %d calls expected liked=%v", calls, wantLiked)
		}
		stored, err := service.GetConfession(ctx, confession.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if stored.LikesCount != int64(stored.Likes.Size()) {
			t.Fatalf("count %d diverged from membership %d", stored.LikesCount, stored.Likes.Size())
		}
		if wantLiked && stored.LikesCount != 1 || !wantLiked && stored.LikesCount != 0 {
			t.Fatalf("after %d calls unexpected count %d", calls, stored.LikesCount)
		}
	}
}

func TestToggleLikeConcurrentUsersKeepEveryLike(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	confession := mustCreate(t, service, "author", "campus", "texto")

	const likers = 8
	var wg sync.WaitGroup
	errs := make(chan error, likers)
	for i := 0; i < likers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := service.ToggleLike(ctx, confession.ID, fmt.Sprintf("user-%d", index))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent toggle failed: %v", err)
		}
	}

	stored, err := service.GetConfession(ctx, confession.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.LikesCount != likers || stored.Likes.Size() != likers {
		t.Fatalf("expected %d likes, got count %d membership %d", likers, stored.LikesCount, stored.Likes.Size())
	}
}

func TestToggleLikeMissingConfession(t *testing.T) {
	service := newTestService(t, nil)
	_, err := service.ToggleLike(context.Background(), "missing", "user-a")
	if !errors.Is(err, ErrConfessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "confessions.toggle_like.not_found" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestAddCommentIncrementsCount(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	confession := mustCreate(t, service, "author", "campus", "texto")

	for _, text := range []string{"primero", "segundo"} {
		if _, err := service.AddComment(ctx, confession.ID, "commenter", text); err != nil {
			t.Fatalf("add comment failed: %v", err)
		}
	}
	if _, err := service.ToggleLike(ctx, confession.ID, "commenter"); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}

	stored, err := service.GetConfession(ctx, confession.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.CommentsCount != 2 || stored.LikesCount != 1 {
		t.Fatalf("unexpected counters %+v", stored)
	}
	comments, err := service.ListComments(ctx, confession.ID)
	if err != nil {
		t.Fatalf("list comments failed: %v", err)
	}
	if len(comments) != 2 || comments[0].Text != "primero" || comments[1].Text != "segundo" {
		t.Fatalf("expected comments oldest first, got %+v", comments)
	}
}

func TestAddCommentMissingConfessionWritesNothing(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	if _, err := service.AddComment(ctx, "missing", "commenter", "hola"); !errors.Is(err, ErrConfessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var count int64
	if err := service.db.Model(&Comment{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no orphan comment, got %d", count)
	}
}

func TestListFeedOrdering(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	older := mustCreate(t, service, "author", "campus", "vieja")
	newer := mustCreate(t, service, "author", "campus", "nueva")
	mustCreate(t, service, "author", "other", "otra comunidad")

	if _, err := service.ToggleLike(ctx, older.ID, "fan"); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}

	recent, err := service.ListFeed(ctx, "campus", SortRecent)
	if err != nil {
		t.Fatalf("recent feed failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %+v", recent)
	}

	popular, err := service.ListFeed(ctx, "campus", SortPopular)
	if err != nil {
		t.Fatalf("popular feed failed: %v", err)
	}
	if len(popular) != 2 || popular[0].ID != older.ID {
		t.Fatalf("expected most liked first, got %+v", popular)
	}

	mine, err := service.ListByAuthor(ctx, "author")
	if err != nil {
		t.Fatalf("author list failed: %v", err)
	}
	if len(mine) != 3 {
		t.Fatalf("expected all author confessions, got %d", len(mine))
	}
}

func TestParseSortOrder(t *testing.T) {
	cases := map[string]SortOrder{"": SortRecent, "recent": SortRecent, "POPULAR": SortPopular}
	for input, want := range cases {
		got, err := ParseSortOrder(input)
		if err != nil || got != want {
			t.Fatalf("ParseSortOrder(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseSortOrder("oldest"); !errors.Is(err, ErrInvalidSortOrder) {
		t.Fatalf("expected invalid sort order, got %v", err)
	}
}

func TestReportItemStoresBlankReasonAsNull(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()

	report, err := service.ReportItem(ctx, "doc-1", ItemComment, "reporter", "   ")
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if report.Reason != nil {
		t.Fatalf("expected nil reason, got %q", *report.Reason)
	}
	if _, err := service.ReportItem(ctx, "doc-1", ItemType("user"), "reporter", "spam"); !errors.Is(err, ErrInvalidItemType) {
		t.Fatalf("expected invalid item type, got %v", err)
	}
}

func TestSeedCommunitiesUpserts(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	if err := service.SeedCommunities(ctx, []Community{{ID: "b", Name: "Beta"}, {ID: "a", Name: "Alfa"}}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := service.SeedCommunities(ctx, []Community{{ID: "b", Name: "Zeta"}}); err != nil {
		t.Fatalf("reseed failed: %v", err)
	}
	communities, err := service.ListCommunities(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(communities) != 2 || communities[0].Name != "Alfa" || communities[1].Name != "Zeta" {
		t.Fatalf("unexpected communities %+v", communities)
	}
}

func TestWatchFeedReloadsAfterLike(t *testing.T) {
	service := newTestService(t, nil)
	ctx := context.Background()
	confession := mustCreate(t, service, "author", "campus", "texto")

	listener := service.WatchFeed(ctx, "campus", SortRecent)
	defer listener.Close()

	initial := receiveFeed(t, listener)
	if len(initial) != 1 || initial[0].LikesCount != 0 {
		t.Fatalf("unexpected initial feed %+v", initial)
	}
	if _, err := service.ToggleLike(ctx, confession.ID, "fan"); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	next := receiveFeed(t, listener)
	if len(next) != 1 || next[0].LikesCount != 1 {
		t.Fatalf("expected reloaded feed with like, got %+v", next)
	}
}

func receiveFeed(t *testing.T, listener *realtime.Listener[[]Confession]) []Confession {
	t.Helper()
	select {
	case feed, ok := <-listener.Snapshots():
		if !ok {
			t.Fatalf("listener stopped: %v", listener.Err())
		}
		return feed
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for feed snapshot")
	}
	return nil
}
