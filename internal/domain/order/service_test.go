package order

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// --- Mock implementations ---

type memState struct {
	orders    map[int64]Order
	items     map[int64]Item
	stock     map[int64]int
	nextOrder int64
	nextItem  int64
}

func (s memState) clone() memState {
	return memState{
		orders:    maps.Clone(s.orders),
		items:     maps.Clone(s.items),
		stock:     maps.Clone(s.stock),
		nextOrder: s.nextOrder,
		nextItem:  s.nextItem,
	}
}

// memRepo is a transactional in-memory Repository. Each WithTx works on a
// copy of the state that replaces the committed state only on success.
type memRepo struct {
	mu    sync.Mutex
	state memState

	txCount        int
	failInsertItem int // fail the n-th InsertItem call of a tx, 0 disables
	commitErr      error
}

var _ Repository = (*memRepo)(nil)

func newMemRepo(stock map[int64]int) *memRepo {
	return &memRepo{state: memState{
		orders: map[int64]Order{},
		items:  map[int64]Item{},
		stock:  maps.Clone(stock),
	}}
}

func (r *memRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txCount++
	work := r.state.clone()
	tx := &memTx{s: &work, failInsertItem: r.failInsertItem}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if r.commitErr != nil {
		return r.commitErr
	}
	r.state = work
	return nil
}

func (r *memRepo) Get(_ context.Context, orderID int64) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.state.withItems(orderID)
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (r *memRepo) ListByUser(_ context.Context, userID string) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Order
	for _, id := range r.state.orderIDsDesc() {
		if o, _ := r.state.withItems(id); o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (r *memRepo) List(_ context.Context) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Order
	for _, id := range r.state.orderIDsDesc() {
		o, _ := r.state.withItems(id)
		out = append(out, *o)
	}
	return out, nil
}

func (r *memRepo) stockOf(productID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.stock[productID]
}

func (r *memRepo) counts() (orders, items int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.orders), len(r.state.items)
}

// setStatus forces a committed order and its items into st.
func (r *memRepo) setStatus(orderID int64, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.state.orders[orderID]
	o.Status = st
	r.state.orders[orderID] = o
	for id, it := range r.state.items {
		if it.OrderID == orderID {
			it.Status = st
			r.state.items[id] = it
		}
	}
}

func (s memState) orderIDsDesc() []int64 {
	ids := slices.Collect(maps.Keys(s.orders))
	slices.SortFunc(ids, func(a, b int64) int { return cmp.Compare(b, a) })
	return ids
}

func (s memState) withItems(orderID int64) (*Order, bool) {
	o, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	o.Items = nil
	for _, id := range slices.Sorted(maps.Keys(s.items)) {
		if it := s.items[id]; it.OrderID == orderID {
			o.Items = append(o.Items, it)
		}
	}
	return &o, true
}

type memTx struct {
	s              *memState
	insertedItems  int
	failInsertItem int
}

var _ Tx = (*memTx)(nil)

func (t *memTx) InsertOrder(_ context.Context, o *Order) (int64, error) {
	t.s.nextOrder++
	stored := *o
	stored.ID = t.s.nextOrder
	stored.Items = nil
	t.s.orders[stored.ID] = stored
	return stored.ID, nil
}

func (t *memTx) InsertItem(_ context.Context, it *Item) (int64, error) {
	t.insertedItems++
	if t.failInsertItem > 0 && t.insertedItems == t.failInsertItem {
		return 0, errors.New("connection reset")
	}
	if _, ok := t.s.orders[it.OrderID]; !ok {
		return 0, errors.New("foreign key violation")
	}
	t.s.nextItem++
	stored := *it
	stored.ID = t.s.nextItem
	t.s.items[stored.ID] = stored
	return stored.ID, nil
}

func (t *memTx) DecrementStock(_ context.Context, productID int64, qty int) error {
	left, ok := t.s.stock[productID]
	if !ok || left < qty {
		return &InsufficientStockError{ProductID: productID, Requested: qty}
	}
	t.s.stock[productID] = left - qty
	return nil
}

func (t *memTx) RestoreStock(_ context.Context, productID int64, qty int) error {
	if _, ok := t.s.stock[productID]; ok {
		t.s.stock[productID] += qty
	}
	return nil
}

func (t *memTx) LockOrder(_ context.Context, orderID int64) (*Order, error) {
	o, ok := t.s.withItems(orderID)
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (t *memTx) GetItem(_ context.Context, itemID int64) (*Item, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	return &it, nil
}

func (t *memTx) SetStatus(_ context.Context, orderID int64, status Status) error {
	o, ok := t.s.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	t.s.orders[orderID] = o
	for id, it := range t.s.items {
		if it.OrderID == orderID {
			it.Status = status
			t.s.items[id] = it
		}
	}
	return nil
}

func (t *memTx) UpdateItem(_ context.Context, itemID int64, upd ItemUpdate) (*Item, error) {
	it, ok := t.s.items[itemID]
	if !ok {
		return nil, ErrItemNotFound
	}
	if upd.Status != nil {
		it.Status = *upd.Status
	}
	if upd.TrackingURL != nil {
		it.TrackingURL = upd.TrackingURL
	}
	t.s.items[itemID] = it
	return &it, nil
}

func (t *memTx) SetRating(_ context.Context, itemID int64, rating int) error {
	it, ok := t.s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	it.Rating = &rating
	t.s.items[itemID] = it
	return nil
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.events = append(p.events, ev)
	return p.err
}

// --- Helpers ---

func testContext(t *testing.T) context.Context {
	t.Helper()
	return zctx.Base(context.Background(), zaptest.NewLogger(t))
}

func newTestService(t *testing.T, repo *memRepo, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(repo, opts...)
	require.NoError(t, err)
	return svc
}

func workedExampleRequest() PlaceOrderRequest {
	code := "SAVE100"
	return PlaceOrderRequest{
		UserID:          "u1",
		PaymentMethod:   "COD",
		ShippingAddress: "221B Baker Street",
		CouponCode:      &code,
		DiscountAmount:  dec("100"),
		Items: []CartLine{
			{ProductID: 1, OfferPrice: offer("3000"), Quantity: 1},
			{ProductID: 2, OfferPrice: offer("1000"), Quantity: 2},
		},
	}
}

func placeOne(t *testing.T, svc *Service, productID int64, qty int) int64 {
	t.Helper()
	res, err := svc.PlaceOrder(testContext(t), PlaceOrderRequest{
		UserID:        "u1",
		PaymentMethod: "COD",
		Items:         []CartLine{{ProductID: productID, Price: dec("100"), Quantity: qty}},
	})
	require.NoError(t, err)
	require.Len(t, res.OrderIDs, 1)
	return res.OrderIDs[0]
}

// --- Tests ---

func TestPlaceOrder_Validation(t *testing.T) {
	valid := func() PlaceOrderRequest { return workedExampleRequest() }

	tests := []struct {
		name    string
		mutate  func(r *PlaceOrderRequest)
		wantErr error
		field   string
	}{
		{
			name:    "missing user",
			mutate:  func(r *PlaceOrderRequest) { r.UserID = "  " },
			wantErr: ErrMissingUserID,
		},
		{
			name:    "missing payment method",
			mutate:  func(r *PlaceOrderRequest) { r.PaymentMethod = "" },
			wantErr: ErrMissingPaymentMethod,
		},
		{
			name:    "empty cart",
			mutate:  func(r *PlaceOrderRequest) { r.Items = nil },
			wantErr: ErrEmptyCart,
		},
		{
			name:   "negative discount",
			mutate: func(r *PlaceOrderRequest) { r.DiscountAmount = dec("-1") },
			field:  "discountAmount",
		},
		{
			name:   "bad product id",
			mutate: func(r *PlaceOrderRequest) { r.Items[1].ProductID = 0 },
			field:  "cartItems[1].productId",
		},
		{
			name:   "negative quantity",
			mutate: func(r *PlaceOrderRequest) { r.Items[0].Quantity = -2 },
			field:  "cartItems[0].quantity",
		},
		{
			name:   "quantity above column range",
			mutate: func(r *PlaceOrderRequest) { r.Items[1].Quantity = MaxQuantity + 1 },
			field:  "cartItems[1].quantity",
		},
		{
			name:   "negative offer price",
			mutate: func(r *PlaceOrderRequest) { r.Items[0].OfferPrice = offer("-5") },
			field:  "cartItems[0].offerPrice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo(map[int64]int{1: 5, 2: 5})
			svc := newTestService(t, repo)

			req := valid()
			tt.mutate(&req)
			_, err := svc.PlaceOrder(testContext(t), req)
			require.Error(t, err)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.field, ve.Field)
			}
			assert.Zero(t, repo.txCount, "no transaction opened for invalid input")
		})
	}
}

func TestPlaceOrder_WorkedExample(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5, 2: 5})
	pub := &recordingPublisher{}
	svc := newTestService(t, repo, WithPublisher(pub))

	res, err := svc.PlaceOrder(testContext(t), workedExampleRequest())
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, res.OrderIDs)

	first, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, dec("2940").Equal(first.TotalAmount))
	assert.True(t, dec("60").Equal(first.CouponDiscount))
	assert.Equal(t, StatusPending, first.Status)
	require.Len(t, first.Items, 1)
	assert.Equal(t, int64(1), first.Items[0].ProductID)
	assert.True(t, decimal.Zero.Equal(first.Items[0].DeliveryCharge))
	assert.True(t, dec("3000").Equal(first.Items[0].UnitPrice))

	second, err := repo.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, dec("2009").Equal(second.TotalAmount))
	assert.True(t, dec("40").Equal(second.CouponDiscount))
	require.Len(t, second.Items, 1)
	assert.Equal(t, 2, second.Items[0].Quantity)
	assert.True(t, dec("49").Equal(second.Items[0].DeliveryCharge))
	assert.True(t, dec("2009").Equal(second.Items[0].FinalAmount))
	require.NotNil(t, second.CouponCode)
	assert.Equal(t, "SAVE100", *second.CouponCode)

	assert.Equal(t, 4, repo.stockOf(1))
	assert.Equal(t, 3, repo.stockOf(2))

	require.Len(t, pub.events, 1)
	assert.Equal(t, EventPlaced, pub.events[0].Type)
	assert.Equal(t, []int64{1, 2}, pub.events[0].OrderIDs)
}

func TestPlaceOrder_PreservesCartOrder(t *testing.T) {
	repo := newMemRepo(map[int64]int{10: 9, 20: 9, 30: 9})
	svc := newTestService(t, repo)

	res, err := svc.PlaceOrder(testContext(t), PlaceOrderRequest{
		UserID:        "u1",
		PaymentMethod: "UPI",
		Items: []CartLine{
			{ProductID: 30, Price: dec("10"), Quantity: 1},
			{ProductID: 10, Price: dec("10"), Quantity: 1},
			{ProductID: 20, Price: dec("10"), Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.OrderIDs, 3)

	for i, want := range []int64{30, 10, 20} {
		assert.Equal(t, want, res.Lines[i].ProductID)
		o, err := repo.Get(context.Background(), res.OrderIDs[i])
		require.NoError(t, err)
		assert.Equal(t, want, o.Items[0].ProductID)
	}
}

func TestPlaceOrder_DefaultsQuantityAndDoesNotMutateInput(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 2})
	svc := newTestService(t, repo)

	items := []CartLine{{ProductID: 1, Price: dec("100"), Quantity: 0}}
	res, err := svc.PlaceOrder(testContext(t), PlaceOrderRequest{
		UserID:        "u1",
		PaymentMethod: "COD",
		Items:         items,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Lines[0].Quantity)
	assert.Equal(t, 1, repo.stockOf(1))
	assert.Equal(t, 0, items[0].Quantity)
}

func TestPlaceOrder_InsufficientStockRollsBack(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5, 2: 1})
	pub := &recordingPublisher{}
	svc := newTestService(t, repo, WithPublisher(pub))

	_, err := svc.PlaceOrder(testContext(t), workedExampleRequest())
	require.Error(t, err)

	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(2), ise.ProductID)
	assert.Equal(t, 2, ise.Requested)
	assert.Equal(t, StepDecrementStock, failedStep(err))

	orders, items := repo.counts()
	assert.Zero(t, orders)
	assert.Zero(t, items)
	assert.Equal(t, 5, repo.stockOf(1), "first line decrement rolled back")
	assert.Equal(t, 1, repo.stockOf(2))
	assert.Empty(t, pub.events)
}

func TestPlaceOrder_UnknownProductRollsBack(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5})
	svc := newTestService(t, repo)

	_, err := svc.PlaceOrder(testContext(t), workedExampleRequest())
	var ise *InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, int64(2), ise.ProductID)

	orders, _ := repo.counts()
	assert.Zero(t, orders)
	assert.Equal(t, 5, repo.stockOf(1))
}

func TestPlaceOrder_InsertFailureRollsBack(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5, 2: 5})
	repo.failInsertItem = 2
	svc := newTestService(t, repo)

	_, err := svc.PlaceOrder(testContext(t), workedExampleRequest())
	require.Error(t, err)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StepInsertItem, se.Step)
	assert.True(t, isPersistence(err))

	orders, items := repo.counts()
	assert.Zero(t, orders)
	assert.Zero(t, items)
	assert.Equal(t, 5, repo.stockOf(1))
}

func TestPlaceOrder_CommitFailure(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5, 2: 5})
	repo.commitErr = errors.New("serialization failure")
	pub := &recordingPublisher{}
	svc := newTestService(t, repo, WithPublisher(pub))

	_, err := svc.PlaceOrder(testContext(t), workedExampleRequest())
	require.Error(t, err)
	assert.Equal(t, StepCommit, failedStep(err))

	orders, _ := repo.counts()
	assert.Zero(t, orders)
	assert.Empty(t, pub.events)
}

func TestPlaceOrder_PublishFailureDoesNotFail(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5, 2: 5})
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(t, repo, WithPublisher(pub))

	res, err := svc.PlaceOrder(testContext(t), workedExampleRequest())
	require.NoError(t, err)
	assert.Len(t, res.OrderIDs, 2)
	assert.Len(t, pub.events, 1)
}

func TestPlaceOrder_CustomPricing(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5})
	svc := newTestService(t, repo, WithPricing(Pricing{
		FreeDeliveryThreshold: dec("50"),
		DeliveryCharge:        dec("7"),
	}))

	res, err := svc.PlaceOrder(testContext(t), PlaceOrderRequest{
		UserID:        "u1",
		PaymentMethod: "COD",
		Items:         []CartLine{{ProductID: 1, Price: dec("40"), Quantity: 1}},
	})
	require.NoError(t, err)
	assert.True(t, dec("47").Equal(res.Lines[0].FinalAmount))
}

func TestCancelOrder(t *testing.T) {
	t.Run("pending order restores stock", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		pub := &recordingPublisher{}
		svc := newTestService(t, repo, WithPublisher(pub))
		id := placeOne(t, svc, 1, 3)
		require.Equal(t, 2, repo.stockOf(1))

		o, err := svc.CancelOrder(testContext(t), CancelRequest{OrderID: id, UserID: "u1"})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, o.Status)
		assert.Equal(t, StatusCancelled, o.Items[0].Status)

		stored, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, stored.Status)
		assert.Equal(t, StatusCancelled, stored.Items[0].Status)
		assert.Equal(t, 5, repo.stockOf(1))

		require.Len(t, pub.events, 2)
		assert.Equal(t, EventCancelled, pub.events[1].Type)
		assert.Equal(t, []int64{id}, pub.events[1].OrderIDs)
	})

	for _, st := range []Status{StatusProcessing, StatusShipped} {
		t.Run(string(st)+" order is cancellable", func(t *testing.T) {
			repo := newMemRepo(map[int64]int{1: 5})
			svc := newTestService(t, repo)
			id := placeOne(t, svc, 1, 1)
			repo.setStatus(id, st)

			_, err := svc.CancelOrder(testContext(t), CancelRequest{OrderID: id})
			require.NoError(t, err)
			assert.Equal(t, 5, repo.stockOf(1))
		})
	}

	for _, st := range []Status{StatusDelivered, StatusCompleted, StatusCancelled} {
		t.Run(string(st)+" order is rejected", func(t *testing.T) {
			repo := newMemRepo(map[int64]int{1: 5})
			svc := newTestService(t, repo)
			id := placeOne(t, svc, 1, 2)
			repo.setStatus(id, st)

			_, err := svc.CancelOrder(testContext(t), CancelRequest{OrderID: id})
			var ite *IllegalTransitionError
			require.ErrorAs(t, err, &ite)
			assert.Equal(t, st, ite.Status)
			assert.Equal(t, "cancel", ite.Action)

			stored, err := repo.Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, st, stored.Status)
			assert.Equal(t, 3, repo.stockOf(1), "stock untouched")
		})
	}

	t.Run("second cancel is rejected", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		svc := newTestService(t, repo)
		id := placeOne(t, svc, 1, 1)

		_, err := svc.CancelOrder(testContext(t), CancelRequest{OrderID: id})
		require.NoError(t, err)
		_, err = svc.CancelOrder(testContext(t), CancelRequest{OrderID: id})
		var ite *IllegalTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, 5, repo.stockOf(1), "stock restored once")
	})

	t.Run("not found", func(t *testing.T) {
		svc := newTestService(t, newMemRepo(nil))
		_, err := svc.CancelOrder(testContext(t), CancelRequest{OrderID: 404})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other user", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		svc := newTestService(t, repo)
		id := placeOne(t, svc, 1, 1)

		_, err := svc.CancelOrder(testContext(t), CancelRequest{OrderID: id, UserID: "u2"})
		assert.ErrorIs(t, err, ErrForbidden)
		assert.Equal(t, 4, repo.stockOf(1))
	})
}

func TestUpdateItem(t *testing.T) {
	ptr := func(s string) *string { return &s }
	status := func(s Status) *Status { return &s }

	t.Run("status is mirrored to order", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		svc := newTestService(t, repo)
		id := placeOne(t, svc, 1, 1)

		it, err := svc.UpdateItem(testContext(t), 1, ItemUpdate{Status: status(StatusShipped)})
		require.NoError(t, err)
		assert.Equal(t, StatusShipped, it.Status)
		assert.Nil(t, it.TrackingURL)

		o, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusShipped, o.Status)
	})

	t.Run("tracking url only keeps status", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		svc := newTestService(t, repo)
		placeOne(t, svc, 1, 1)

		_, err := svc.UpdateItem(testContext(t), 1, ItemUpdate{Status: status(StatusProcessing)})
		require.NoError(t, err)

		it, err := svc.UpdateItem(testContext(t), 1, ItemUpdate{
			Status:      status("  "),
			TrackingURL: ptr("https://track.example/42"),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, it.Status)
		require.NotNil(t, it.TrackingURL)
		assert.Equal(t, "https://track.example/42", *it.TrackingURL)
	})

	t.Run("blank tracking url keeps stored value", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		svc := newTestService(t, repo)
		placeOne(t, svc, 1, 1)

		_, err := svc.UpdateItem(testContext(t), 1, ItemUpdate{TrackingURL: ptr("https://a")})
		require.NoError(t, err)
		it, err := svc.UpdateItem(testContext(t), 1, ItemUpdate{TrackingURL: ptr("")})
		require.NoError(t, err)
		require.NotNil(t, it.TrackingURL)
		assert.Equal(t, "https://a", *it.TrackingURL)
	})

	t.Run("cancelled status is rejected", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		svc := newTestService(t, repo)
		placeOne(t, svc, 1, 1)

		_, err := svc.UpdateItem(testContext(t), 1, ItemUpdate{Status: status(StatusCancelled)})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "status", ve.Field)
		assert.Equal(t, 4, repo.stockOf(1))
	})

	t.Run("cancelled order cannot change status", func(t *testing.T) {
		repo := newMemRepo(map[int64]int{1: 5})
		svc := newTestService(t, repo)
		id := placeOne(t, svc, 1, 1)
		_, err := svc.CancelOrder(testContext(t), CancelRequest{OrderID: id})
		require.NoError(t, err)

		_, err = svc.UpdateItem(testContext(t), 1, ItemUpdate{Status: status(StatusShipped)})
		var ite *IllegalTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, "update", ite.Action)
	})

	t.Run("missing item", func(t *testing.T) {
		svc := newTestService(t, newMemRepo(nil))
		_, err := svc.UpdateItem(testContext(t), 99, ItemUpdate{Status: status(StatusShipped)})
		assert.ErrorIs(t, err, ErrItemNotFound)
		assert.False(t, isPersistence(err))
	})
}

func TestRateItem(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5})
	svc := newTestService(t, repo)
	id := placeOne(t, svc, 1, 1)

	err := svc.RateItem(testContext(t), RateRequest{ItemID: 1, UserID: "u1", Rating: 4})
	var ite *IllegalTransitionError
	require.ErrorAs(t, err, &ite, "pending items cannot be rated")

	repo.setStatus(id, StatusDelivered)

	for _, r := range []int{0, 6} {
		err := svc.RateItem(testContext(t), RateRequest{ItemID: 1, UserID: "u1", Rating: r})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
	}

	err = svc.RateItem(testContext(t), RateRequest{ItemID: 1, UserID: "u2", Rating: 4})
	require.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, svc.RateItem(testContext(t), RateRequest{ItemID: 1, UserID: "u1", Rating: 4}))
	o, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, o.Items[0].Rating)
	assert.Equal(t, 4, *o.Items[0].Rating)
}

func TestRateItem_LogsPersistenceFailure(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 5})
	svc := newTestService(t, repo)
	id := placeOne(t, svc, 1, 1)
	repo.setStatus(id, StatusDelivered)

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := zctx.Base(context.Background(), zap.New(core))

	err := svc.RateItem(ctx, RateRequest{ItemID: 1, UserID: "u2", Rating: 3})
	require.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, logs.Len(), "rule rejections are not logged")

	repo.commitErr = errors.New("connection lost")
	err = svc.RateItem(ctx, RateRequest{ItemID: 1, UserID: "u1", Rating: 3})
	require.Error(t, err)

	entries := logs.FilterMessage("Order item rating rolled back").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, string(StepCommit), fields["step"])
	assert.Equal(t, int64(1), fields["order_item_id"])
}

func TestQueries(t *testing.T) {
	repo := newMemRepo(map[int64]int{1: 10})
	svc := newTestService(t, repo)
	first := placeOne(t, svc, 1, 1)
	second := placeOne(t, svc, 1, 1)

	_, err := svc.PlaceOrder(testContext(t), PlaceOrderRequest{
		UserID:        "u2",
		PaymentMethod: "COD",
		Items:         []CartLine{{ProductID: 1, Price: dec("5"), Quantity: 1}},
	})
	require.NoError(t, err)

	mine, err := svc.ListUserOrders(testContext(t), "u1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second, mine[0].ID)
	assert.Equal(t, first, mine[1].ID)

	all, err := svc.ListOrders(testContext(t))
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = svc.ListUserOrders(testContext(t), " ")
	assert.ErrorIs(t, err, ErrMissingUserID)

	o, err := svc.GetOrder(testContext(t), first, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, o.ID)

	_, err = svc.GetOrder(testContext(t), first, "u2")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.GetOrder(testContext(t), 999, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
