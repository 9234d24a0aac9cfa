package change

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"wikimap/api/internal/store"
)

// Target is the write surface a change is applied to. *store.Tx implements it.
type Target interface {
	InsertPOI(ctx context.Context, poi store.POI) (store.POI, error)
	GetPOI(ctx context.Context, poiID int64) (store.POI, error)
	MovePOI(ctx context.Context, poiID int64, x, y float64) error
	UpdatePOI(ctx context.Context, poiID int64, fields store.Fields) error
	DeletePOI(ctx context.Context, poiID int64) error
	DeleteCustomPOI(ctx context.Context, customPOIID int64) error
	InvalidateCustomPOIShares(ctx context.Context, customPOIID int64, reason string, snapshot []byte) (int, error)
	InsertNPC(ctx context.Context, npc store.NPC) (int64, error)
	UpdateNPC(ctx context.Context, npcID int64, fields store.Fields) error
	ReplaceNPCLoot(ctx context.Context, npcID int64, itemIDs []int64) error
	InsertItem(ctx context.Context, item store.Item) (int64, error)
	UpdateItem(ctx context.Context, itemID int64, fields store.Fields) error
}

// ShareReasonPublished is recorded on shares of a custom POI that became a
// public POI.
const ShareReasonPublished = "published"

// Result describes what an applied change touched.
type Result struct {
	Kind              Kind
	CreatedID         int64
	UpsertedPOIs      []store.POI
	DeletedPOIs       []int64
	SharesInvalidated int
}

// Apply writes c to t. Community auto-approval, admin approval and pending
// POI merges all go through here.
func Apply(ctx context.Context, t Target, c Change) (Result, error) {
	result := Result{Kind: c.Kind()}

	switch c := c.(type) {
	case AddPOI:
		createdBy := c.ProposerID
		poi, err := t.InsertPOI(ctx, store.POI{
			MapID:       c.POI.MapID,
			X:           c.POI.X,
			Y:           c.POI.Y,
			Name:        c.POI.Name,
			Description: c.POI.Description,
			Type:        c.POI.Type,
			Icon:        c.POI.Icon,
			CreatedBy:   &createdBy,
		})
		if err != nil {
			return Result{}, err
		}
		result.CreatedID = poi.ID
		result.UpsertedPOIs = append(result.UpsertedPOIs, poi)
		if c.POI.CustomPOIID != nil {
			n, err := retireCustomPOI(ctx, t, *c.POI.CustomPOIID, poi)
			if err != nil {
				return Result{}, err
			}
			result.SharesInvalidated = n
		}

	case MovePOI:
		if err := t.MovePOI(ctx, c.POIID, c.X, c.Y); err != nil {
			return Result{}, fmt.Errorf("move poi %d: %w", c.POIID, err)
		}
		if err := result.reload(ctx, t, c.POIID); err != nil {
			return Result{}, err
		}

	case EditPOI:
		if err := t.UpdatePOI(ctx, c.POIID, c.Fields.columns()); err != nil {
			return Result{}, fmt.Errorf("edit poi %d: %w", c.POIID, err)
		}
		if err := result.reload(ctx, t, c.POIID); err != nil {
			return Result{}, err
		}

	case DeletePOI:
		if err := t.DeletePOI(ctx, c.POIID); err != nil {
			return Result{}, fmt.Errorf("delete poi %d: %w", c.POIID, err)
		}
		result.DeletedPOIs = append(result.DeletedPOIs, c.POIID)

	case ChangeLoot:
		if err := t.ReplaceNPCLoot(ctx, c.NPCID, c.ItemIDs); err != nil {
			return Result{}, fmt.Errorf("change loot of npc %d: %w", c.NPCID, err)
		}

	case AddItem:
		id, err := t.InsertItem(ctx, store.Item{
			Name:        c.Item.Name,
			Description: c.Item.Description,
			ItemType:    c.Item.ItemType,
			Rarity:      c.Item.Rarity,
			Level:       c.Item.Level,
			Value:       c.Item.Value,
			Weight:      c.Item.Weight,
			Icon:        c.Item.Icon,
			IconURL:     c.Item.IconURL,
		})
		if err != nil {
			return Result{}, err
		}
		result.CreatedID = id

	case AddNPC:
		id, err := t.InsertNPC(ctx, store.NPC{
			NPCID:       c.NPC.NPCID,
			Name:        c.NPC.Name,
			NPCType:     c.NPC.NPCType,
			MapID:       c.NPC.MapID,
			X:           c.NPC.X,
			Y:           c.NPC.Y,
			Description: c.NPC.Description,
			Level:       c.NPC.Level,
			Health:      c.NPC.Health,
			Damage:      c.NPC.Damage,
			Armor:       c.NPC.Armor,
		})
		if err != nil {
			return Result{}, err
		}
		result.CreatedID = id

	case EditNPC:
		if err := t.UpdateNPC(ctx, c.NPCID, c.Fields.columns()); err != nil {
			return Result{}, fmt.Errorf("edit npc %d: %w", c.NPCID, err)
		}

	case EditItem:
		if err := t.UpdateItem(ctx, c.ItemID, c.Fields.columns()); err != nil {
			return Result{}, fmt.Errorf("edit item %d: %w", c.ItemID, err)
		}

	default:
		return Result{}, fmt.Errorf("%w: unsupported change %T", ErrInvalid, c)
	}
	return result, nil
}

func (r *Result) reload(ctx context.Context, t Target, poiID int64) error {
	poi, err := t.GetPOI(ctx, poiID)
	if err != nil {
		return fmt.Errorf("reload poi %d: %w", poiID, err)
	}
	r.UpsertedPOIs = append(r.UpsertedPOIs, poi)
	return nil
}

// retireCustomPOI removes the staging copy of a POI that was just published
// and tells everyone it was shared with where it went.
func retireCustomPOI(ctx context.Context, t Target, customPOIID int64, published store.POI) (int, error) {
	snapshot, err := json.Marshal(map[string]any{
		"poi_id":      published.ID,
		"map_id":      published.MapID,
		"x":           published.X,
		"y":           published.Y,
		"name":        published.Name,
		"description": published.Description,
		"type":        published.Type,
		"icon":        published.Icon,
	})
	if err != nil {
		return 0, fmt.Errorf("snapshot published poi: %w", err)
	}
	n, err := t.InvalidateCustomPOIShares(ctx, customPOIID, ShareReasonPublished, snapshot)
	if err != nil {
		return 0, err
	}
	if err := t.DeleteCustomPOI(ctx, customPOIID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("delete custom poi %d: %w", customPOIID, err)
	}
	return n, nil
}

func (f POIFields) columns() store.Fields {
	out := store.Fields{}
	setIf(out, "map_id", f.MapID)
	setIf(out, "x", f.X)
	setIf(out, "y", f.Y)
	setIf(out, "name", f.Name)
	setIf(out, "description", f.Description)
	setIf(out, "type", f.Type)
	setIf(out, "icon", f.Icon)
	return out
}

func (f NPCFields) columns() store.Fields {
	out := store.Fields{}
	setIf(out, "map_id", f.MapID)
	setIf(out, "x", f.X)
	setIf(out, "y", f.Y)
	setIf(out, "description", f.Description)
	setIf(out, "level", f.Level)
	setIf(out, "health", f.Health)
	setIf(out, "damage", f.Damage)
	setIf(out, "armor", f.Armor)
	return out
}

func (f ItemFields) columns() store.Fields {
	out := store.Fields{}
	setIf(out, "name", f.Name)
	setIf(out, "description", f.Description)
	setIf(out, "item_type", f.ItemType)
	setIf(out, "rarity", f.Rarity)
	setIf(out, "level", f.Level)
	setIf(out, "value", f.Value)
	setIf(out, "weight", f.Weight)
	return out
}

func setIf[T any](out store.Fields, column string, value *T) {
	if value != nil {
		out[column] = *value
	}
}
