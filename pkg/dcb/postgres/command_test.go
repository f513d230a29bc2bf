package postgres_test

import (
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-dcbcore/pkg/dcb"
	"go-dcbcore/pkg/dcb/postgres"
)

type openAccountPayload struct {
	AccountID string `json:"account_id"`
}

var _ = Describe("CommandExecutor", func() {

	It("appends the handler's events and records an audit row in the same transaction", func() {
		executor := postgres.NewCommandExecutor(core)

		cmd := dcb.NewCommand("OpenAccount", []byte(`{"account_id":"acc-cmd"}`), nil)

		handler := dcb.CommandHandlerFunc(func(ctx context.Context, reader dcb.Reader, cmd dcb.Command) ([]dcb.InputEvent, error) {
			var payload openAccountPayload
			if err := json.Unmarshal(cmd.Data(), &payload); err != nil {
				return nil, err
			}
			tag, err := dcb.NewTag("account_id", payload.AccountID)
			if err != nil {
				return nil, err
			}
			event, err := dcb.NewInputEvent("AccountOpened", []dcb.Tag{tag}, cmd.Data())
			if err != nil {
				return nil, err
			}
			return []dcb.InputEvent{event}, nil
		})

		events, err := executor.Execute(ctx, cmd, handler, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))

		var count int
		err = pool.QueryRow(ctx, "SELECT count(*) FROM commands WHERE type = 'OpenAccount'").Scan(&count)
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
	})

	It("rejects a handler that emits a lock: tagged event", func() {
		executor := postgres.NewCommandExecutor(core)

		cmd := dcb.NewCommand("Bogus", []byte(`{}`), nil)

		handler := dcb.CommandHandlerFunc(func(ctx context.Context, reader dcb.Reader, cmd dcb.Command) ([]dcb.InputEvent, error) {
			tag, _ := dcb.NewTag("lock:account_id", "acc-x")
			event, _ := dcb.NewInputEvent("Bogus", []dcb.Tag{tag}, nil)
			return []dcb.InputEvent{event}, nil
		})

		_, err := executor.Execute(ctx, cmd, handler, dcb.Unconditional())
		Expect(err).To(HaveOccurred())
		Expect(dcb.IsValidationError(err)).To(BeTrue())
	})

	It("acquires its configured advisory locks before running the handler", func() {
		executor := postgres.NewCommandExecutor(core, "wallet:acc-lock")

		cmd := dcb.NewCommand("OpenAccount", []byte(`{"account_id":"acc-lock"}`), nil)

		handler := dcb.CommandHandlerFunc(func(ctx context.Context, reader dcb.Reader, cmd dcb.Command) ([]dcb.InputEvent, error) {
			tag, _ := dcb.NewTag("account_id", "acc-lock")
			event, _ := dcb.NewInputEvent("AccountOpened", []dcb.Tag{tag}, nil)
			return []dcb.InputEvent{event}, nil
		})

		_, err := executor.Execute(ctx, cmd, handler, dcb.Unconditional())
		Expect(err).NotTo(HaveOccurred())
	})
})
