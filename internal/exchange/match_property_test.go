package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"bourse/internal/models"
	"bourse/internal/projection"
	"bourse/internal/store/memory"
)

// Random order flows must never over-fill a sell order, and a sell
// order's status must always agree with the sum of its fills.
func TestProperty_NoOverfillAndStatusConsistency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := memory.NewWithClock(fakeClock())
		svc := NewService(store, zerolog.Nop())

		seller, _ := store.CreateUser(ctx, "seller", "hash")
		buyer, _ := store.CreateUser(ctx, "buyer", "hash")
		st, _ := store.CreateStock(ctx, "TEST")

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				qty := rapid.Int64Range(1, 50).Draw(t, "sellQty")
				price := rapid.Int64Range(1, 200).Draw(t, "price")
				if _, err := svc.PlaceSellOrder(ctx, seller.ID, st.ID, qty, price, ""); err != nil {
					t.Fatalf("sell failed: %v", err)
				}
			case 1:
				qty := rapid.Int64Range(1, 80).Draw(t, "buyQty")
				_, err := svc.PlaceBuyOrder(ctx, buyer.ID, st.ID, qty, "")
				if err != nil && !errors.Is(err, models.ErrInsufficientLiquidity) {
					t.Fatalf("buy failed: %v", err)
				}
			case 2:
				orders, _ := store.OrdersByUser(ctx, seller.ID)
				for _, o := range orders {
					if o.Status.Resting() {
						if err := svc.CancelOrder(ctx, seller.ID, o.ID); err != nil {
							t.Fatalf("cancel failed: %v", err)
						}
						break
					}
				}
			}
		}

		trades, _ := store.TradesByUser(ctx, seller.ID)
		filled := make(map[int64]int64)
		for _, tr := range trades {
			filled[tr.SellOrderID] += tr.Quantity
		}

		orders, _ := store.OrdersByUser(ctx, seller.ID)
		for _, o := range orders {
			if !o.IsSell() {
				continue
			}
			sum := filled[o.ID]
			if sum > o.Quantity {
				t.Fatalf("order %d over-filled: %d of %d", o.ID, sum, o.Quantity)
			}
			switch {
			case o.Status == models.OrderCompleted && sum != o.Quantity:
				t.Fatalf("order %d completed with %d of %d filled", o.ID, sum, o.Quantity)
			case o.Status == models.OrderPartiallyComplete && (sum <= 0 || sum >= o.Quantity):
				t.Fatalf("order %d partially complete with %d of %d filled", o.ID, sum, o.Quantity)
			case o.Status == models.OrderInProgress && sum != 0:
				t.Fatalf("order %d in progress with %d filled", o.ID, sum)
			}
		}
	})
}

// Cash is conserved: the buyer's spend always equals the seller's
// proceeds, and balances always match the deposit/trade fold.
func TestProperty_BalanceIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := memory.NewWithClock(fakeClock())
		svc := NewService(store, zerolog.Nop())
		proj := projection.NewService(store)

		seller, _ := store.CreateUser(ctx, "seller", "hash")
		buyer, _ := store.CreateUser(ctx, "buyer", "hash")
		st, _ := store.CreateStock(ctx, "TEST")

		deposit := rapid.Int64Range(1, 1_000_000).Draw(t, "deposit")
		if err := svc.Deposit(ctx, buyer.ID, deposit); err != nil {
			t.Fatalf("deposit failed: %v", err)
		}

		sells := rapid.IntRange(1, 10).Draw(t, "sells")
		for i := 0; i < sells; i++ {
			qty := rapid.Int64Range(1, 50).Draw(t, "sellQty")
			price := rapid.Int64Range(1, 200).Draw(t, "price")
			if _, err := svc.PlaceSellOrder(ctx, seller.ID, st.ID, qty, price, ""); err != nil {
				t.Fatalf("sell failed: %v", err)
			}
		}
		buys := rapid.IntRange(1, 10).Draw(t, "buys")
		for i := 0; i < buys; i++ {
			qty := rapid.Int64Range(1, 60).Draw(t, "buyQty")
			_, err := svc.PlaceBuyOrder(ctx, buyer.ID, st.ID, qty, "")
			if err != nil && !errors.Is(err, models.ErrInsufficientLiquidity) {
				t.Fatalf("buy failed: %v", err)
			}
		}

		trades, _ := store.TradesByUser(ctx, buyer.ID)
		var spent int64
		for _, tr := range trades {
			spent += tr.Quantity * tr.Price
		}

		buyerBalance, _ := proj.Balance(ctx, buyer.ID)
		if buyerBalance != deposit-spent {
			t.Fatalf("buyer balance = %d, want %d", buyerBalance, deposit-spent)
		}
		sellerBalance, _ := proj.Balance(ctx, seller.ID)
		if sellerBalance != spent {
			t.Fatalf("seller balance = %d, want %d", sellerBalance, spent)
		}
	})
}

// The portfolio fold never reports a non-positive holding.
func TestProperty_PortfolioNeverNonPositive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := memory.NewWithClock(fakeClock())
		svc := NewService(store, zerolog.Nop())
		proj := projection.NewService(store)

		seller, _ := store.CreateUser(ctx, "seller", "hash")
		buyer, _ := store.CreateUser(ctx, "buyer", "hash")
		st, _ := store.CreateStock(ctx, "TEST")

		grant := rapid.Int64Range(1, 500).Draw(t, "grant")
		if err := svc.GrantStock(ctx, seller.ID, st.ID, grant); err != nil {
			t.Fatalf("grant failed: %v", err)
		}

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(t, "isSell") {
				qty := rapid.Int64Range(1, 100).Draw(t, "sellQty")
				price := rapid.Int64Range(1, 50).Draw(t, "price")
				if _, err := svc.PlaceSellOrder(ctx, seller.ID, st.ID, qty, price, ""); err != nil {
					t.Fatalf("sell failed: %v", err)
				}
			} else {
				qty := rapid.Int64Range(1, 100).Draw(t, "buyQty")
				_, err := svc.PlaceBuyOrder(ctx, buyer.ID, st.ID, qty, "")
				if err != nil && !errors.Is(err, models.ErrInsufficientLiquidity) {
					t.Fatalf("buy failed: %v", err)
				}
			}
		}

		for _, uid := range []int64{seller.ID, buyer.ID} {
			portfolio, err := proj.Portfolio(ctx, uid)
			if err != nil {
				t.Fatalf("portfolio failed: %v", err)
			}
			for _, entry := range portfolio {
				if entry.QuantityOwned <= 0 {
					t.Fatalf("user %d holds %d of stock %d", uid, entry.QuantityOwned, entry.StockID)
				}
			}
		}
	})
}
