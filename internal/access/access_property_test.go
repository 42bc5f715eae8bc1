package access

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/real-rm/chatroom/internal/model"
)

// Property 2: Access Symmetry
// For any session and actor, access is granted if and only if the actor is
// non-empty and is either the session's user or the chatbot's creator.
func TestProperty_AccessSymmetry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// small id space so the three ids often collide
	pool := []string{"", "a", "b", "c"}
	ids := gen.IntRange(0, len(pool)-1).Map(func(i int) string { return pool[i] })

	properties.Property("allowed iff actor is owner or creator", prop.ForAll(
		func(actor, owner, creator string, guest bool) bool {
			sess := &model.Session{ID: "s", ChatbotID: "bot"}
			if !guest {
				sess.UserID = &owner
			}
			bot := &model.Chatbot{ID: "bot", CreatorID: creator}

			isOwner := !guest && actor == owner
			want := actor != "" && (isOwner || actor == creator)
			return Allowed(actor, sess, bot) == want
		},
		ids,
		ids,
		ids,
		gen.Bool(),
	))

	properties.TestingRun(t)
}
