package autocart

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// WishlistKey is the local store slot holding the serialized wishlist.
const WishlistKey = "autocart-wishlist"

// Wishlist is the ordered set of saved cars. Entries are full copies of
// catalog records so the list stays readable offline. Every mutation
// rewrites the whole collection to the local store.
type Wishlist struct {
	store LocalStore
	toast Toaster
	log   zerolog.Logger

	mu   sync.Mutex
	cars []Car
}

// LoadWishlist reads the persisted collection once. A missing or corrupt
// value yields an empty wishlist.
func LoadWishlist(store LocalStore, toast Toaster, log zerolog.Logger) *Wishlist {
	w := &Wishlist{store: store, toast: toast, log: log}

	raw, ok, err := store.GetItem(WishlistKey)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("failed to read wishlist")
	case ok:
		var cars []Car
		if err := json.Unmarshal([]byte(raw), &cars); err != nil {
			log.Error().Err(err).Msg("failed to parse wishlist")
			break
		}
		w.cars = dedupe(cars)
	}
	return w
}

func dedupe(cars []Car) []Car {
	seen := make(map[string]struct{}, len(cars))
	out := cars[:0]
	for _, c := range cars {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Add appends car unless its id is already present.
func (w *Wishlist) Add(car Car) bool {
	w.mu.Lock()
	if w.indexLocked(car.ID) >= 0 {
		w.mu.Unlock()
		return false
	}
	w.cars = append(w.cars, car)
	w.persistLocked()
	w.mu.Unlock()

	w.notify("Added to Wishlist", car.DisplayName()+" has been added to your wishlist.")
	return true
}

// Remove drops the car with id, if present.
func (w *Wishlist) Remove(id string) bool {
	w.mu.Lock()
	i := w.indexLocked(id)
	if i < 0 {
		w.mu.Unlock()
		return false
	}
	car := w.cars[i]
	w.cars = append(w.cars[:i:i], w.cars[i+1:]...)
	w.persistLocked()
	w.mu.Unlock()

	w.notify("Removed from Wishlist", car.DisplayName()+" has been removed from your wishlist.")
	return true
}

func (w *Wishlist) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexLocked(id) >= 0
}

// Clear empties the wishlist. It always confirms, even if it was empty.
func (w *Wishlist) Clear() {
	w.mu.Lock()
	w.cars = nil
	w.persistLocked()
	w.mu.Unlock()

	w.notify("Wishlist Cleared", "All cars have been removed from your wishlist.")
}

// Items returns the cars in insertion order.
func (w *Wishlist) Items() []Car {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Car(nil), w.cars...)
}

func (w *Wishlist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.cars)
}

// Persist rewrites the current collection. It backs the sync-wishlist event.
func (w *Wishlist) Persist(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked()
}

func (w *Wishlist) indexLocked(id string) int {
	for i, c := range w.cars {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// persistLocked stores the collection. A failed write is logged and the
// in-memory change stands.
func (w *Wishlist) persistLocked() {
	if err := w.writeLocked(); err != nil {
		w.log.Error().Err(err).Int("items", len(w.cars)).Msg("failed to persist wishlist")
	}
}

func (w *Wishlist) writeLocked() error {
	cars := w.cars
	if cars == nil {
		cars = []Car{}
	}
	b, err := json.Marshal(cars)
	if err != nil {
		return err
	}
	return w.store.SetItem(WishlistKey, string(b))
}

func (w *Wishlist) notify(title, desc string) {
	if w.toast != nil {
		w.toast.Toast(title, desc)
	}
}
