package session

import (
	"context"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/real-rm/chatroom/internal/access"
	"github.com/real-rm/chatroom/internal/model"
	"github.com/real-rm/chatroom/internal/testutil"
)

// Property 1: Idempotent Session Creation
// For any number of concurrent create requests for the same (chatbot, user),
// exactly one active session exists afterwards and every caller receives it.
func TestProperty_IdempotentSessionCreation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent creates converge on one session", prop.ForAll(
		func(callers int) bool {
			m, _, f := newTestManager(t)
			ids := make([]string, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if sess, _, err := m.CreateOrGetSession(context.Background(), f.Bot.ID, f.User.ID); err == nil {
						ids[i] = sess.ID
					}
				}(i)
			}
			wg.Wait()

			for _, id := range ids {
				if id == "" || id != ids[0] {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

// Property 4: Resolve Terminality
// For any sequence of resolve and request_human operations applied to a
// session, once the session is resolved it stays resolved, and the type
// never returns to ai_conversation after a handoff.
func TestProperty_ResolveTerminality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("resolved and human_support are absorbing", prop.ForAll(
		func(ops []bool) bool {
			store := testutil.NewStore(t)
			f := testutil.SeedTechSupport(t, store)
			logger := testutil.NewTestLogger(t)
			m := NewManager(store, access.NewPolicy(store, logger), logger)
			sess := testutil.NewSession(t, store, f.Bot.ID, &f.User.ID)

			resolved, human := false, false
			for _, resolve := range ops {
				var got *model.Session
				var err error
				if resolve {
					got, _, err = m.Resolve(context.Background(), sess.ID, f.User.ID)
				} else {
					got, _, err = m.RequestHuman(context.Background(), sess.ID, f.Creator.ID)
				}
				if err != nil {
					return false
				}
				if resolved && got.Status != model.StatusResolved {
					return false
				}
				if human && got.Type != model.TypeHumanSupport {
					return false
				}
				resolved = resolved || resolve
				human = human || !resolve
				if resolved != (got.Status == model.StatusResolved) || human != (got.Type == model.TypeHumanSupport) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}
