package change

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"

	"wikimap/api/internal/validation"
)

type movePayload struct {
	X *float64 `json:"x" validate:"required"`
	Y *float64 `json:"y" validate:"required"`
}

type lootPayload struct {
	LootItems []int64 `json:"loot_items" validate:"required,dive,gt=0"`
}

// Decode builds the typed change for a proposal. current is the snapshot the
// proposer saw and is only consulted by edit kinds, which keep just the
// fields that differ from it.
func Decode(kind Kind, targetID *int64, proposerID int64, current, proposed []byte) (Change, error) {
	if _, ok := kinds[kind]; !ok {
		return nil, fmt.Errorf("%w: unknown change type %q", ErrInvalid, kind)
	}
	if len(bytes.TrimSpace(proposed)) == 0 {
		return nil, fmt.Errorf("%w: proposed_data is required", ErrInvalid)
	}
	var id int64
	if !kind.Creates() {
		if targetID == nil || *targetID <= 0 {
			return nil, fmt.Errorf("%w: %s requires target_id", ErrInvalid, kind)
		}
		id = *targetID
	}

	switch kind {
	case KindAddPOI:
		var data POIData
		if err := decodeValid(proposed, &data); err != nil {
			return nil, err
		}
		return AddPOI{POI: data, ProposerID: proposerID}, nil
	case KindMovePOI:
		var data movePayload
		if err := decodeValid(proposed, &data); err != nil {
			return nil, err
		}
		return MovePOI{POIID: id, X: *data.X, Y: *data.Y}, nil
	case KindEditPOI:
		var cur, next POIFields
		if err := decodeEdit(current, proposed, &cur, &next); err != nil {
			return nil, err
		}
		return EditPOI{POIID: id, Fields: POIFields{
			MapID:       changed(cur.MapID, next.MapID),
			X:           changed(cur.X, next.X),
			Y:           changed(cur.Y, next.Y),
			Name:        changed(cur.Name, next.Name),
			Description: changed(cur.Description, next.Description),
			Type:        changed(cur.Type, next.Type),
			Icon:        changed(cur.Icon, next.Icon),
		}}, nil
	case KindDeletePOI:
		return DeletePOI{POIID: id}, nil
	case KindChangeLoot:
		var data lootPayload
		if err := decodeValid(proposed, &data); err != nil {
			return nil, err
		}
		return ChangeLoot{NPCID: id, ItemIDs: data.LootItems}, nil
	case KindAddItem:
		var data ItemData
		if err := decodeValid(proposed, &data); err != nil {
			return nil, err
		}
		return AddItem{Item: data}, nil
	case KindAddNPC:
		var data NPCData
		if err := decodeValid(proposed, &data); err != nil {
			return nil, err
		}
		return AddNPC{NPC: data}, nil
	case KindEditNPC:
		var cur, next NPCFields
		if err := decodeEdit(current, proposed, &cur, &next); err != nil {
			return nil, err
		}
		return EditNPC{NPCID: id, Fields: NPCFields{
			MapID:       changed(cur.MapID, next.MapID),
			X:           changed(cur.X, next.X),
			Y:           changed(cur.Y, next.Y),
			Description: changed(cur.Description, next.Description),
			Level:       changed(cur.Level, next.Level),
			Health:      changed(cur.Health, next.Health),
			Damage:      changed(cur.Damage, next.Damage),
			Armor:       changed(cur.Armor, next.Armor),
		}}, nil
	case KindEditItem:
		var cur, next ItemFields
		if err := decodeEdit(current, proposed, &cur, &next); err != nil {
			return nil, err
		}
		return EditItem{ItemID: id, Fields: ItemFields{
			Name:        changed(cur.Name, next.Name),
			Description: changed(cur.Description, next.Description),
			ItemType:    changed(cur.ItemType, next.ItemType),
			Rarity:      changed(cur.Rarity, next.Rarity),
			Level:       changed(cur.Level, next.Level),
			Value:       changed(cur.Value, next.Value),
			Weight:      changed(cur.Weight, next.Weight),
		}}, nil
	}
	return nil, fmt.Errorf("%w: unknown change type %q", ErrInvalid, kind)
}

func decodeValid(raw []byte, dest any) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validation.Struct(dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func decodeEdit(current, proposed []byte, cur, next any) error {
	if len(bytes.TrimSpace(current)) > 0 && !bytes.Equal(bytes.TrimSpace(current), []byte("null")) {
		if err := json.Unmarshal(current, cur); err != nil {
			return fmt.Errorf("%w: current_data: %v", ErrInvalid, err)
		}
	}
	if err := json.Unmarshal(proposed, next); err != nil {
		return fmt.Errorf("%w: proposed_data: %v", ErrInvalid, err)
	}
	return nil
}

// changed returns next when it is set and differs from cur.
func changed[T comparable](cur, next *T) *T {
	if next == nil {
		return nil
	}
	if cur != nil && *cur == *next {
		return nil
	}
	return next
}
