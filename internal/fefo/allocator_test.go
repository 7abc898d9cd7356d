package fefo

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pharmacy/backend/internal/domain"
)

var today = time.Date(2026, time.March, 10, 14, 30, 0, 0, time.UTC)

func lot(id string, medicationID string, expiresInDays int, qty int) domain.Lot {
	return domain.Lot{
		ID:           id,
		MedicationID: medicationID,
		LotNumber:    "B-" + id,
		ExpiresOn:    domain.DateOf(today).AddDate(0, 0, expiresInDays),
		QtyOnHand:    qty,
	}
}

func TestAllocateDrawsNearestExpiryFirst(t *testing.T) {
	lots := []domain.Lot{
		lot("L2", "M", 40, 20),
		lot("L1", "M", 10, 5),
	}

	allocations, err := Allocate("M", 8, lots, today)
	require.NoError(t, err)
	require.Equal(t, []domain.Allocation{
		{LotID: "L1", LotNumber: "B-L1", ExpiresOn: lots[1].ExpiresOn, Quantity: 5},
		{LotID: "L2", LotNumber: "B-L2", ExpiresOn: lots[0].ExpiresOn, Quantity: 3},
	}, allocations)
	require.Equal(t, 20, lots[0].QtyOnHand, "input lots must not be mutated")
}

func TestAllocateSkipsExpiredLots(t *testing.T) {
	lots := []domain.Lot{
		lot("L1", "M", -1, 50),
		lot("L2", "M", 5, 3),
	}

	allocations, err := Allocate("M", 3, lots, today)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	require.Equal(t, "L2", allocations[0].LotID)
	require.Equal(t, 3, allocations[0].Quantity)
}

func TestAllocateTreatsExpiryTodayAsSellable(t *testing.T) {
	allocations, err := Allocate("M", 1, []domain.Lot{lot("L1", "M", 0, 1)}, today)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
}

func TestAllocateReportsDeficitWithoutPartialResult(t *testing.T) {
	lots := []domain.Lot{
		lot("L1", "M", 3, 1),
		lot("L2", "M", 9, 3),
		lot("L3", "OTHER", 9, 100),
	}

	allocations, err := Allocate("M", 10, lots, today)
	require.Nil(t, allocations)

	var deficit *DeficitError
	require.True(t, errors.As(err, &deficit))
	require.Equal(t, "M", deficit.MedicationID)
	require.Equal(t, 10, deficit.Requested)
	require.Equal(t, 4, deficit.Available)
	require.Equal(t, 6, deficit.Shortfall())
}

func TestAllocateBreaksExpiryTiesByLotID(t *testing.T) {
	lots := []domain.Lot{
		lot("L-b", "M", 7, 2),
		lot("L-a", "M", 7, 2),
		lot("L-c", "M", 7, 2),
	}

	allocations, err := Allocate("M", 5, lots, today)
	require.NoError(t, err)
	require.Equal(t, []string{"L-a", "L-b", "L-c"}, []string{allocations[0].LotID, allocations[1].LotID, allocations[2].LotID})
	require.Equal(t, 1, allocations[2].Quantity)
}

func TestAllocateIgnoresEmptyLots(t *testing.T) {
	lots := []domain.Lot{
		lot("L1", "M", 1, 0),
		lot("L2", "M", 2, 4),
	}

	allocations, err := Allocate("M", 4, lots, today)
	require.NoError(t, err)
	require.Len(t, allocations, 1)
	require.Equal(t, "L2", allocations[0].LotID)
}

func TestAllocateRejectsNonPositiveQuantity(t *testing.T) {
	_, err := Allocate("M", 0, []domain.Lot{lot("L1", "M", 1, 4)}, today)
	require.Error(t, err)
}

func TestAllocationConservesQuantityAndOrder(t *testing.T) {
	lots := []domain.Lot{
		lot("L5", "M", 50, 7),
		lot("L1", "M", 1, 2),
		lot("L3", "M", 30, 4),
		lot("L0", "M", -3, 9),
		lot("L2", "M", 12, 1),
	}
	available := Available("M", lots, today)
	require.Equal(t, 14, available)

	for qty := 1; qty <= available; qty++ {
		allocations, err := Allocate("M", qty, lots, today)
		require.NoError(t, err)

		sum := 0
		for i, a := range allocations {
			sum += a.Quantity
			if i > 0 {
				require.False(t, a.ExpiresOn.Before(allocations[i-1].ExpiresOn), "allocation out of FEFO order at qty=%d", qty)
			}
			// every lot before the last one must be fully drained
			if i < len(allocations)-1 {
				for _, l := range lots {
					if l.ID == a.LotID {
						require.Equal(t, l.QtyOnHand, a.Quantity)
					}
				}
			}
		}
		require.Equal(t, qty, sum)
	}
}

func TestSellableAcrossTimezones(t *testing.T) {
	jakarta := time.FixedZone("WIB", 7*60*60)
	// 01:00 on March 11 in Jakarta is still March 10 in UTC.
	localToday := time.Date(2026, time.March, 11, 1, 0, 0, 0, jakarta)
	expiring := domain.Lot{ID: "L1", MedicationID: "M", QtyOnHand: 1, ExpiresOn: time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)}

	require.False(t, expiring.Sellable(localToday))
	require.True(t, expiring.Sellable(localToday.UTC()))
}
