package receipts

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
)

// AllocateUnits expands every item into QtyTotal payable units with indices
// 0..QtyTotal-1, each priced at the item's unit price.
func AllocateUnits(items []models.Item) []models.ItemUnit {
	total := 0
	for _, item := range items {
		if item.QtyTotal > 0 {
			total += item.QtyTotal
		}
	}
	units := make([]models.ItemUnit, 0, total)
	for _, item := range items {
		for idx := 0; idx < item.QtyTotal; idx++ {
			units = append(units, models.ItemUnit{
				ID:               uuid.New(),
				ItemID:           item.ID,
				UnitIndex:        idx,
				AmountTotalCents: item.UnitPriceCents,
				AmountPaidCents:  0,
				Status:           enums.UnitStatusFor(0, item.UnitPriceCents),
			})
		}
	}
	return units
}
