package postgres_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-dcbcore/pkg/dcb"
	"go-dcbcore/pkg/dcb/postgres"
)

var _ = Describe("ExecuteInTransaction", func() {

	It("commits appended events and makes them visible to a scan within the same closure", func() {
		tag, _ := dcb.NewTag("account_id", "acc-tx")

		inTx, err := postgres.ExecuteInTransaction(ctx, core, func(ctx context.Context, h *postgres.TxHandle) (int, error) {
			if _, _, err := h.AppendIf(ctx, []dcb.InputEvent{
				mustEvent("AccountOpened", []dcb.Tag{tag}, `{}`),
			}, dcb.Unconditional()); err != nil {
				return 0, err
			}

			query, _ := dcb.NewQuery([]string{"AccountOpened"}, []dcb.Tag{tag})
			events, err := h.Scan(ctx, query, dcb.ZeroCursor(), 0)
			if err != nil {
				return 0, err
			}
			return len(events), nil
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(inTx).To(Equal(1))

		query, _ := dcb.NewQuery([]string{"AccountOpened"}, []dcb.Tag{tag})
		events, err := core.Scan(ctx, query, dcb.ZeroCursor(), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("rolls back every write when the closure returns an error", func() {
		tag, _ := dcb.NewTag("account_id", "acc-rollback")

		_, err := postgres.ExecuteInTransaction(ctx, core, func(ctx context.Context, h *postgres.TxHandle) (int, error) {
			if _, _, err := h.AppendIf(ctx, []dcb.InputEvent{
				mustEvent("AccountOpened", []dcb.Tag{tag}, `{}`),
			}, dcb.Unconditional()); err != nil {
				return 0, err
			}
			return 0, errBoom
		})
		Expect(err).To(HaveOccurred())

		query, _ := dcb.NewQuery([]string{"AccountOpened"}, []dcb.Tag{tag})
		events, err := core.Scan(ctx, query, dcb.ZeroCursor(), 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})
})

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
