// Package conflict reconciles a client's offline copy of a record with the
// server copy once the client re-synchronizes. Resolution is timestamp-based
// last-write-wins per record, with pick-one handling for quantity fields so
// two concurrent increments are never summed into a double-count.
package conflict

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/Izu99/rice-app/internal/domain"
)

// Resolution labels which side won, for sync result reporting.
const (
	ResolutionServer     = "server_newer"
	ResolutionClient     = "client_newer"
	ResolutionSoftDelete = "soft_delete"
)

func modifiedAt(updated, created time.Time) time.Time {
	if !updated.IsZero() {
		return updated
	}
	return created
}

// serverWins decides the winning side for a whole record. A side that
// changed after the checkpoint beats one that did not; when both or neither
// changed, the later timestamp wins.
func serverWins(serverAt, clientAt, lastSync time.Time) bool {
	if serverAt.After(lastSync) && !clientAt.After(lastSync) {
		return true
	}
	if clientAt.After(lastSync) && !serverAt.After(lastSync) {
		return false
	}
	return serverAt.After(clientAt)
}

// pickQuantity resolves a quantity-typed field by choosing one side's value.
// Summing is deliberately never done here: two devices that each applied +5
// to a shared base must reconcile to 5, not 10.
func pickQuantity(serverVal, clientVal float64, serverAt, clientAt, lastSync time.Time) float64 {
	if serverWins(serverAt, clientAt, lastSync) {
		return serverVal
	}
	return clientVal
}

// Detect reports whether the two copies are in genuine conflict: both sides
// modified after the client's last sync checkpoint with differing payloads.
func Detect(server, client any, serverAt, clientAt, lastSync time.Time) bool {
	if !serverAt.After(lastSync) || !clientAt.After(lastSync) {
		return false
	}
	serverPayload, err := json.Marshal(server)
	if err != nil {
		return true
	}
	clientPayload, err := json.Marshal(client)
	if err != nil {
		return true
	}
	return !bytes.Equal(serverPayload, clientPayload)
}

// MergeStockItem reconciles an inventory position. Quantity fields are
// picked, not summed; a soft delete on either side wins.
func MergeStockItem(server, client domain.StockItem, lastSync time.Time) (domain.StockItem, string) {
	serverAt := modifiedAt(server.UpdatedAt, server.CreatedAt)
	clientAt := modifiedAt(client.UpdatedAt, client.CreatedAt)

	merged := client
	resolution := ResolutionClient
	if serverWins(serverAt, clientAt, lastSync) {
		merged = server
		resolution = ResolutionServer
	}
	merged.TotalWeightKg = pickQuantity(server.TotalWeightKg, client.TotalWeightKg, serverAt, clientAt, lastSync)
	merged.TotalBags = int(pickQuantity(float64(server.TotalBags), float64(client.TotalBags), serverAt, clientAt, lastSync))
	merged.PricePerKg = pickQuantity(server.PricePerKg, client.PricePerKg, serverAt, clientAt, lastSync)
	merged.AvgPurchasePrice = pickQuantity(server.AvgPurchasePrice, client.AvgPurchasePrice, serverAt, clientAt, lastSync)

	if !server.Active || !client.Active {
		merged.Active = false
		resolution = ResolutionSoftDelete
	}
	return merged, resolution
}

// MergeCustomer reconciles a counterparty. Running totals are quantity
// fields; the balance is rederived from whichever totals won.
func MergeCustomer(server, client domain.Customer, lastSync time.Time) (domain.Customer, string) {
	serverAt := modifiedAt(server.UpdatedAt, server.CreatedAt)
	clientAt := modifiedAt(client.UpdatedAt, client.CreatedAt)

	merged := client
	resolution := ResolutionClient
	if serverWins(serverAt, clientAt, lastSync) {
		merged = server
		resolution = ResolutionServer
	}
	merged.TotalBuyAmount = pickQuantity(server.TotalBuyAmount, client.TotalBuyAmount, serverAt, clientAt, lastSync)
	merged.TotalSellAmount = pickQuantity(server.TotalSellAmount, client.TotalSellAmount, serverAt, clientAt, lastSync)
	merged.RecomputeBalance()

	if !server.Active || !client.Active {
		merged.Active = false
		resolution = ResolutionSoftDelete
	}
	return merged, resolution
}

// MergeTransaction reconciles a transaction. Line items are merged by item
// identity so the same line never appears twice, and the aggregate totals
// are recomputed from the merged set instead of trusting either side.
func MergeTransaction(server, client domain.Transaction, lastSync time.Time) (domain.Transaction, string) {
	serverAt := modifiedAt(server.UpdatedAt, server.CreatedAt)
	clientAt := modifiedAt(client.UpdatedAt, client.CreatedAt)

	merged := client
	resolution := ResolutionClient
	preferServer := serverWins(serverAt, clientAt, lastSync)
	if preferServer {
		merged = server
		resolution = ResolutionServer
	}
	merged.Items = mergeItems(server.Items, client.Items, preferServer)
	merged.PaidAmount = pickQuantity(server.PaidAmount, client.PaidAmount, serverAt, clientAt, lastSync)
	merged.Recompute()

	if !server.Active || !client.Active {
		merged.Active = false
		resolution = ResolutionSoftDelete
	}
	return merged, resolution
}

// MergeMilling reconciles a milling batch wholesale; its numeric fields are
// facts about one physical run, so whole-record last-write-wins applies.
func MergeMilling(server, client domain.MillingRecord, lastSync time.Time) (domain.MillingRecord, string) {
	serverAt := modifiedAt(server.UpdatedAt, server.CreatedAt)
	clientAt := modifiedAt(client.UpdatedAt, client.CreatedAt)

	merged := client
	resolution := ResolutionClient
	if serverWins(serverAt, clientAt, lastSync) {
		merged = server
		resolution = ResolutionServer
	}
	if !server.Active || !client.Active {
		merged.Active = false
		resolution = ResolutionSoftDelete
	}
	return merged, resolution
}

func itemKey(item domain.TransactionItem) string {
	if item.StockItemID != "" {
		return item.StockItemID
	}
	return item.ItemType + "/" + item.ItemName
}

// mergeItems deduplicates by item identity. Shared items take the winning
// side's version; items present on only one side are kept.
func mergeItems(serverItems, clientItems []domain.TransactionItem, preferServer bool) []domain.TransactionItem {
	merged := make([]domain.TransactionItem, 0, len(serverItems)+len(clientItems))
	index := make(map[string]int, len(serverItems))

	for _, item := range serverItems {
		index[itemKey(item)] = len(merged)
		merged = append(merged, item)
	}
	for _, item := range clientItems {
		pos, exists := index[itemKey(item)]
		if !exists {
			merged = append(merged, item)
			continue
		}
		if !preferServer {
			merged[pos] = item
		}
	}
	return merged
}
