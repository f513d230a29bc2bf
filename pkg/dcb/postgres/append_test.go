package postgres_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-dcbcore/pkg/dcb"
)

var _ = Describe("AppendIf", func() {

	It("appends an unconditional batch and assigns gap-free positions", func() {
		tag, _ := dcb.NewTag("course_id", "course-1")
		events := []dcb.InputEvent{
			mustEvent("CourseLaunched", []dcb.Tag{tag}, `{"title":"Go"}`),
			mustEvent("LessonAdded", []dcb.Tag{tag}, `{"lesson_id":"L1"}`),
			mustEvent("LessonAdded", []dcb.Tag{tag}, `{"lesson_id":"L2"}`),
		}

		stored, replayed, err := core.AppendIf(ctx, events, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())
		Expect(replayed).To(BeFalse())
		Expect(stored).To(HaveLen(3))
		Expect(stored[0].Position).To(Equal(int64(1)))
		Expect(stored[1].Position).To(Equal(int64(2)))
		Expect(stored[2].Position).To(Equal(int64(3)))

		dumpEvents(pool)
	})

	It("fails with a concurrency error when a matching event was committed after the cursor", func() {
		tag, _ := dcb.NewTag("account_id", "acc-conflict")
		item, _ := dcb.NewQueryItem([]string{"AccountOpened"}, []dcb.Tag{tag})
		query, _ := dcb.NewQueryFromItems(item)

		_, _, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountOpened", []dcb.Tag{tag}, `{"owner":"Alice"}`),
		}, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())

		_, _, err = core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountOpened", []dcb.Tag{tag}, `{"owner":"Alice"}`),
		}, dcb.NewAppendCondition(query, dcb.ZeroCursor(), nil))

		Expect(err).To(HaveOccurred())
		Expect(dcb.IsConcurrencyError(err)).To(BeTrue())
		concurrencyErr, ok := dcb.GetConcurrencyError(err)
		Expect(ok).To(BeTrue())
		Expect(concurrencyErr.MatchingCount).To(Equal(1))
		Expect(concurrencyErr.FirstConflictingPosition).To(Equal(int64(1)))
	})

	It("succeeds when the cursor is up to date", func() {
		tag, _ := dcb.NewTag("account_id", "acc-uptodate")
		item, _ := dcb.NewQueryItem([]string{"AccountOpened"}, []dcb.Tag{tag})
		query, _ := dcb.NewQueryFromItems(item)

		stored, _, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountOpened", []dcb.Tag{tag}, `{"owner":"Bob"}`),
		}, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())

		after := stored[0].Cursor()
		_, _, err = core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountClosed", []dcb.Tag{tag}, `{}`),
		}, dcb.NewAppendCondition(query, after, nil))
		Expect(err).NotTo(HaveOccurred())
	})

	It("replays the prior events on an idempotent duplicate instead of appending new ones", func() {
		tag, _ := dcb.NewTag("account_id", "acc-idem")
		idem, _ := dcb.NewQueryItem([]string{"AccountOpened"}, []dcb.Tag{tag})

		first, replayedFirst, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountOpened", []dcb.Tag{tag}, `{"owner":"Carol"}`),
		}, dcb.NewIdempotentAppendCondition(idem))
		Expect(err).NotTo(HaveOccurred())
		Expect(replayedFirst).To(BeFalse())
		Expect(first).To(HaveLen(1))

		second, replayedSecond, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountOpened", []dcb.Tag{tag}, `{"owner":"Carol"}`),
		}, dcb.NewIdempotentAppendCondition(idem))
		Expect(err).NotTo(HaveOccurred())
		Expect(replayedSecond).To(BeTrue())
		Expect(second).To(HaveLen(1))
		Expect(second[0].Position).To(Equal(first[0].Position))

		var count int
		err = pool.QueryRow(ctx, "SELECT count(*) FROM events WHERE type = 'AccountOpened'").Scan(&count)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
	})

	It("treats an empty stateChanged query as unconditional regardless of the cursor", func() {
		tag, _ := dcb.NewTag("account_id", "acc-degenerate")
		stale := dcb.Cursor{TransactionID: 1, Position: 999}

		_, _, err := core.AppendIf(ctx, []dcb.InputEvent{
			mustEvent("AccountOpened", []dcb.Tag{tag}, `{}`),
		}, dcb.NewAppendCondition(dcb.NewQueryEmpty(), stale, nil))
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects an empty batch", func() {
		_, _, err := core.AppendIf(ctx, []dcb.InputEvent{}, dcb.Unconditional())
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})
})

func mustEvent(eventType string, tags []dcb.Tag, data string) dcb.InputEvent {
	event, err := dcb.NewInputEvent(eventType, tags, []byte(data))
	Expect(err).NotTo(HaveOccurred())
	return event
}
