package match

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/driftchat/server/internal/admission"
	"github.com/driftchat/server/internal/protocol"
	"github.com/driftchat/server/internal/store"
)

// frameSink collects frames per user so tests can assert on what each side
// was sent.
type frameSink struct {
	mu     sync.Mutex
	frames map[string][]map[string]interface{}
}

func newFrameSink() *frameSink {
	return &frameSink{frames: make(map[string][]map[string]interface{})}
}

func (s *frameSink) Send(userID string, data []byte) bool {
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		panic("frameSink: bad frame: " + err.Error())
	}
	s.mu.Lock()
	s.frames[userID] = append(s.frames[userID], frame)
	s.mu.Unlock()
	return true
}

func (s *frameSink) lastOfType(userID, msgType string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames[userID]) - 1; i >= 0; i-- {
		if s.frames[userID][i]["type"] == msgType {
			return s.frames[userID][i]
		}
	}
	return nil
}

type matchRecord struct {
	sess    *store.ChatSession
	quality string
}

type fakeObserver struct {
	mu      sync.Mutex
	matches []matchRecord
	waits   []store.ChatType
}

func (o *fakeObserver) MatchMade(sess *store.ChatSession, quality string, _ time.Duration) {
	o.mu.Lock()
	o.matches = append(o.matches, matchRecord{sess: sess, quality: quality})
	o.mu.Unlock()
}

func (o *fakeObserver) WaitStarted(chatType store.ChatType) {
	o.mu.Lock()
	o.waits = append(o.waits, chatType)
	o.mu.Unlock()
}

func newTestMatcher(t *testing.T) (*Matcher, *store.Memory, *frameSink, *fakeObserver) {
	t.Helper()
	st := store.NewMemory()
	sink := newFrameSink()
	obs := &fakeObserver{}
	return New(st, sink, admission.NewLimiter(), obs), st, sink, obs
}

func addUser(t *testing.T, st *store.Memory, id string) {
	t.Helper()
	err := st.AddOnlineUser(context.Background(), &store.OnlineUser{
		ID:       id,
		Gender:   store.GenderUnset,
		ChatType: store.ChatTypeNone,
	})
	if err != nil {
		t.Fatalf("add user %s: %v", id, err)
	}
}

func findReq(chatType string, interests ...string) protocol.FindMatchMsg {
	return protocol.FindMatchMsg{ChatType: chatType, Interests: interests}
}

func TestNormalizeInterests(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"lowercases and trims", []string{" Music ", "ART"}, []string{"music", "art"}},
		{"dedupes", []string{"music", "Music", "music"}, []string{"music"}},
		{"drops empty", []string{"", "  ", "music"}, []string{"music"}},
		{"drops oversized", []string{string(make([]rune, 40)), "ok"}, []string{"ok"}},
		{"nil in empty out", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeInterests(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeInterests(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	t.Run("caps the set size", func(t *testing.T) {
		in := make([]string, maxInterestTags+10)
		for i := range in {
			in[i] = "tag" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		}
		if got := NormalizeInterests(in); len(got) > maxInterestTags {
			t.Errorf("normalized %d tags, cap is %d", len(got), maxInterestTags)
		}
	})
}

func TestScoreComponents(t *testing.T) {
	t.Run("interest score", func(t *testing.T) {
		tests := []struct {
			caller, candidate []string
			want              float64
		}{
			{[]string{"a", "b"}, []string{"a", "b"}, 40},
			{[]string{"a", "b"}, []string{"a"}, 20},
			{[]string{"a", "b", "c", "d"}, []string{"a"}, 10},
			{[]string{"a"}, []string{"b"}, 0},
			{nil, []string{"a"}, 0},
		}
		for _, tt := range tests {
			if got := interestScore(tt.caller, tt.candidate); got != tt.want {
				t.Errorf("interestScore(%v, %v) = %v, want %v", tt.caller, tt.candidate, got, tt.want)
			}
		}
	})

	t.Run("gender score", func(t *testing.T) {
		tests := []struct {
			a, b store.Gender
			want float64
		}{
			{store.GenderMale, store.GenderFemale, 40},
			{store.GenderFemale, store.GenderMale, 40},
			{store.GenderOther, store.GenderMale, 20},
			{store.GenderUnset, store.GenderFemale, 15},
			{store.GenderMale, store.GenderMale, 5},
		}
		for _, tt := range tests {
			if got := genderScore(tt.a, tt.b); got != tt.want {
				t.Errorf("genderScore(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		}
	})

	t.Run("wait bonus", func(t *testing.T) {
		now := time.Unix(5000, 0)
		if got := waitBonus(time.Time{}, now); got != 0 {
			t.Errorf("zero WaitingSince bonus = %v, want 0", got)
		}
		if got := waitBonus(now.Add(-2*time.Minute), now); got != 6 {
			t.Errorf("2 minute bonus = %v, want 6", got)
		}
		if got := waitBonus(now.Add(-time.Hour), now); got != maxWaitBonus {
			t.Errorf("long wait bonus = %v, want cap %v", got, maxWaitBonus)
		}
	})

	t.Run("quality labels", func(t *testing.T) {
		tests := []struct {
			score       float64
			crossBinary bool
			want        string
		}{
			{80, false, QualityHigh},
			{45, true, QualityHigh},
			{45, false, QualityMedium},
			{20, true, QualityMedium},
			{20, false, QualityRandom},
		}
		for _, tt := range tests {
			if got := quality(tt.score, tt.crossBinary); got != tt.want {
				t.Errorf("quality(%v, %v) = %s, want %s", tt.score, tt.crossBinary, got, tt.want)
			}
		}
	})

	t.Run("estimated wait", func(t *testing.T) {
		tests := []struct{ total, want int }{
			{0, 15}, {4, 15}, {5, 50}, {10, 100}, {50, 120},
		}
		for _, tt := range tests {
			if got := estimatedWait(tt.total); got != tt.want {
				t.Errorf("estimatedWait(%d) = %d, want %d", tt.total, got, tt.want)
			}
		}
	})
}

func TestRequestMatchEntersPoolWhenAlone(t *testing.T) {
	m, st, sink, obs := newTestMatcher(t)
	ctx := context.Background()
	addUser(t, st, "u1")

	m.RequestMatch(ctx, "u1", findReq("text", "music"))

	frame := sink.lastOfType("u1", protocol.TypeWaitingForMatch)
	if frame == nil {
		t.Fatal("no waiting_for_match frame")
	}
	if pos := frame["queuePosition"].(float64); pos != 1 {
		t.Errorf("queuePosition = %v, want 1", pos)
	}

	u, _ := st.GetOnlineUser(ctx, "u1")
	if !u.IsWaiting {
		t.Error("user not in waiting pool")
	}
	if len(obs.waits) != 1 || obs.waits[0] != store.ChatTypeText {
		t.Errorf("WaitStarted calls = %v", obs.waits)
	}
}

func TestRequestMatchPairsWithWaitingUser(t *testing.T) {
	m, st, sink, obs := newTestMatcher(t)
	ctx := context.Background()
	addUser(t, st, "waiter")
	addUser(t, st, "asker")

	m.RequestMatch(ctx, "waiter", findReq("text", "music", "books"))
	m.RequestMatch(ctx, "asker", findReq("text", "music", "art"))

	for _, id := range []string{"waiter", "asker"} {
		frame := sink.lastOfType(id, protocol.TypeMatchFound)
		if frame == nil {
			t.Fatalf("no match_found frame for %s", id)
		}
		shared, _ := frame["sharedInterests"].([]interface{})
		if len(shared) != 1 || shared[0] != "music" {
			t.Errorf("%s sharedInterests = %v, want [music]", id, shared)
		}
	}

	// Partner ids point at each other.
	wf := sink.lastOfType("waiter", protocol.TypeMatchFound)
	af := sink.lastOfType("asker", protocol.TypeMatchFound)
	if wf["partnerId"] != "asker" || af["partnerId"] != "waiter" {
		t.Errorf("partner ids = %v / %v", wf["partnerId"], af["partnerId"])
	}
	if wf["sessionId"] != af["sessionId"] {
		t.Errorf("session ids differ: %v vs %v", wf["sessionId"], af["sessionId"])
	}

	// Both sides are out of the pool and the session is connected.
	for _, id := range []string{"waiter", "asker"} {
		if u, _ := st.GetOnlineUser(ctx, id); u.IsWaiting {
			t.Errorf("%s still waiting after match", id)
		}
	}
	sess, err := st.GetChatSession(ctx, wf["sessionId"].(string))
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if sess.Status != store.SessionConnected {
		t.Errorf("session status = %s, want connected", sess.Status)
	}
	// The session snapshots the caller's interests; only the wire frame
	// carries the intersection.
	if !reflect.DeepEqual(sess.Interests, []string{"music", "art"}) {
		t.Errorf("session interests = %v, want the caller's [music art]", sess.Interests)
	}
	if len(obs.matches) != 1 {
		t.Fatalf("MatchMade calls = %d, want 1", len(obs.matches))
	}
	if q := obs.matches[0].quality; q != QualityHigh && q != QualityMedium && q != QualityRandom {
		t.Errorf("unexpected quality label %q", q)
	}
}

func TestRequestMatchIgnoresOtherModality(t *testing.T) {
	m, st, sink, _ := newTestMatcher(t)
	ctx := context.Background()
	addUser(t, st, "video-waiter")
	addUser(t, st, "text-asker")

	m.RequestMatch(ctx, "video-waiter", findReq("video"))
	m.RequestMatch(ctx, "text-asker", findReq("text"))

	if frame := sink.lastOfType("text-asker", protocol.TypeMatchFound); frame != nil {
		t.Fatal("text user matched a video waiter")
	}
	if frame := sink.lastOfType("text-asker", protocol.TypeWaitingForMatch); frame == nil {
		t.Fatal("text user did not enter the pool")
	}
}

func TestRequestMatchValidation(t *testing.T) {
	m, st, sink, _ := newTestMatcher(t)
	ctx := context.Background()
	addUser(t, st, "u1")

	m.RequestMatch(ctx, "u1", protocol.FindMatchMsg{ChatType: "audio"})
	if frame := sink.lastOfType("u1", protocol.TypeError); frame == nil || frame["code"] != protocol.CodeInvalidChatType {
		t.Errorf("bad chat type frame = %v", frame)
	}

	m.RequestMatch(ctx, "u1", protocol.FindMatchMsg{ChatType: "text", Gender: "robot"})
	if frame := sink.lastOfType("u1", protocol.TypeError); frame == nil || frame["code"] != protocol.CodeInvalidGender {
		t.Errorf("bad gender frame = %v", frame)
	}

	// Empty gender defaults to unset instead of failing.
	m.RequestMatch(ctx, "u1", findReq("text"))
	if frame := sink.lastOfType("u1", protocol.TypeWaitingForMatch); frame == nil {
		t.Error("empty gender request rejected")
	}
}

func TestRequestMatchRateLimited(t *testing.T) {
	m, st, sink, _ := newTestMatcher(t)
	ctx := context.Background()
	addUser(t, st, "u1")

	for i := 0; i < admission.RuleMatch.Limit; i++ {
		m.RequestMatch(ctx, "u1", findReq("text"))
	}
	if frame := sink.lastOfType("u1", protocol.TypeRateLimited); frame != nil {
		t.Fatal("rate limited before the limit")
	}

	m.RequestMatch(ctx, "u1", findReq("text"))
	frame := sink.lastOfType("u1", protocol.TypeRateLimited)
	if frame == nil {
		t.Fatal("no rate_limited frame over the limit")
	}
	if retry := frame["retryAfter"].(float64); retry <= 0 {
		t.Errorf("retryAfter = %v, want > 0", retry)
	}
}

// A waiting user must end up in at most one session even when two requests
// race for them.
func TestConcurrentRequestsClaimCandidateOnce(t *testing.T) {
	m, st, sink, _ := newTestMatcher(t)
	ctx := context.Background()
	addUser(t, st, "waiter")
	addUser(t, st, "a")
	addUser(t, st, "b")

	m.RequestMatch(ctx, "waiter", findReq("text", "music"))

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.RequestMatch(ctx, id, findReq("text", "music"))
		}(id)
	}
	wg.Wait()

	sessions, _ := st.ListChatSessions(ctx)
	inSession := 0
	for _, s := range sessions {
		if s.IsParticipant("waiter") {
			inSession++
		}
	}
	if inSession != 1 {
		t.Fatalf("waiter participates in %d sessions, want 1", inSession)
	}

	// Exactly one of a/b matched; the other is waiting.
	matched, waiting := 0, 0
	for _, id := range []string{"a", "b"} {
		if sink.lastOfType(id, protocol.TypeMatchFound) != nil {
			matched++
		}
		if u, _ := st.GetOnlineUser(ctx, id); u.IsWaiting {
			waiting++
		}
	}
	if matched != 1 || waiting != 1 {
		t.Errorf("matched=%d waiting=%d, want 1/1", matched, waiting)
	}
}

func TestCancelWait(t *testing.T) {
	m, st, _, _ := newTestMatcher(t)
	ctx := context.Background()
	addUser(t, st, "u1")

	m.RequestMatch(ctx, "u1", findReq("text"))
	m.CancelWait(ctx, "u1")

	if u, _ := st.GetOnlineUser(ctx, "u1"); u.IsWaiting {
		t.Error("user still waiting after cancel")
	}
}

func TestQueueStatus(t *testing.T) {
	m, st, sink, _ := newTestMatcher(t)
	ctx := context.Background()

	m.QueueStatus(ctx, "ghost")
	if frame := sink.lastOfType("ghost", protocol.TypeError); frame == nil || frame["code"] != protocol.CodeNotJoined {
		t.Errorf("unknown user frame = %v", frame)
	}

	// Park two users in the pool directly; sending both through RequestMatch
	// would just pair them with each other.
	text := store.ChatTypeText
	waiting := true
	for _, id := range []string{"first", "second"} {
		addUser(t, st, id)
		if _, err := st.UpdateOnlineUser(ctx, id, store.UserPatch{ChatType: &text, IsWaiting: &waiting}); err != nil {
			t.Fatalf("park %s: %v", id, err)
		}
		time.Sleep(time.Millisecond)
	}

	m.QueueStatus(ctx, "second")
	frame := sink.lastOfType("second", protocol.TypeQueueStatus)
	if frame == nil {
		t.Fatal("no queue_status frame")
	}
	if pos := frame["position"].(float64); pos != 2 {
		t.Errorf("position = %v, want 2", pos)
	}
	if total := frame["totalWaiting"].(float64); total != 2 {
		t.Errorf("totalWaiting = %v, want 2", total)
	}
}
