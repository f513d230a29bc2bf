package postgres_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-dcbcore/pkg/dcb"
)

var _ = Describe("Project", func() {

	It("folds matching events into the projector's state and advances its cursor", func() {
		tag, _ := dcb.NewTag("course_id", "course-proj")
		_, _, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("LessonAdded", []dcb.Tag{tag}, `{}`),
			mustEvent("LessonAdded", []dcb.Tag{tag}, `{}`),
			mustEvent("LessonAdded", []dcb.Tag{tag}, `{}`),
		}, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())

		query, _ := dcb.NewQuery([]string{"LessonAdded"}, []dcb.Tag{tag})
		projector := dcb.StateProjector{
			ID:           "lesson_count",
			Query:        query,
			InitialState: 0,
			TransitionFn: func(state any, event dcb.Event) any {
				return state.(int) + 1
			},
		}

		results, err := core.Project(ctx, []dcb.StateProjector{projector}, dcb.ZeroCursor())
		Expect(err).NotTo(HaveOccurred())
		Expect(results["lesson_count"].State).To(Equal(3))
		Expect(results["lesson_count"].Cursor.IsZero()).To(BeFalse())
	})

	It("runs multiple projectors over a single scan pass", func() {
		fromTag, _ := dcb.NewTag("account_id", "acc-from")
		toTag, _ := dcb.NewTag("account_id", "acc-to")

		_, _, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountOpened", []dcb.Tag{fromTag}, `{}`),
			mustEvent("AccountOpened", []dcb.Tag{toTag}, `{}`),
		}, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())

		fromQuery, _ := dcb.NewQuery([]string{"AccountOpened"}, []dcb.Tag{fromTag})
		toQuery, _ := dcb.NewQuery([]string{"AccountOpened"}, []dcb.Tag{toTag})

		existsProjector := func(id string, q dcb.Query) dcb.StateProjector {
			return dcb.StateProjector{
				ID:           id,
				Query:        q,
				InitialState: false,
				TransitionFn: func(state any, event dcb.Event) any { return true },
			}
		}

		results, err := core.Project(ctx, []dcb.StateProjector{
			existsProjector("from", fromQuery),
			existsProjector("to", toQuery),
		}, dcb.ZeroCursor())
		Expect(err).NotTo(HaveOccurred())
		Expect(results["from"].State).To(Equal(true))
		Expect(results["to"].State).To(Equal(true))
	})

	It("reports a ProjectorError when TransitionFn panics", func() {
		tag, _ := dcb.NewTag("course_id", "course-panic")
		_, _, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("LessonAdded", []dcb.Tag{tag}, `{}`),
		}, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())

		query, _ := dcb.NewQuery([]string{"LessonAdded"}, []dcb.Tag{tag})
		projector := dcb.StateProjector{
			ID:           "panicker",
			Query:        query,
			InitialState: 0,
			TransitionFn: func(state any, event dcb.Event) any {
				panic("boom")
			},
		}

		_, err = core.Project(ctx, []dcb.StateProjector{projector}, dcb.ZeroCursor())
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsProjectorError(err)).To(BeTrue())
	})
})
