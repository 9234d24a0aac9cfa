// Package change models every kind of community change proposal as a
// closed set of typed variants and applies them to the map dataset.
package change

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAddPOI     Kind = "add_poi"
	KindMovePOI    Kind = "move_poi"
	KindEditPOI    Kind = "edit_poi"
	KindDeletePOI  Kind = "delete_poi"
	KindChangeLoot Kind = "change_loot"
	KindAddItem    Kind = "add_item"
	KindAddNPC     Kind = "add_npc"
	KindEditNPC    Kind = "edit_npc"
	KindEditItem   Kind = "edit_item"
)

var kinds = map[Kind]string{
	KindAddPOI:     "",
	KindMovePOI:    "poi",
	KindEditPOI:    "poi",
	KindDeletePOI:  "poi",
	KindChangeLoot: "npc",
	KindAddItem:    "",
	KindAddNPC:     "",
	KindEditNPC:    "npc",
	KindEditItem:   "item",
}

func ParseKind(raw string) (Kind, error) {
	kind := Kind(raw)
	if _, ok := kinds[kind]; !ok {
		return "", fmt.Errorf("%w: unknown change type %q", ErrInvalid, raw)
	}
	return kind, nil
}

// TargetType is the target_type a proposal of this kind must reference, or
// "" for kinds that create a new row.
func (k Kind) TargetType() string {
	return kinds[k]
}

// Creates reports whether the kind inserts a new row rather than touching an
// existing one.
func (k Kind) Creates() bool {
	return k == KindAddPOI || k == KindAddItem || k == KindAddNPC
}

// ErrInvalid marks a malformed proposal payload.
var ErrInvalid = errors.New("invalid change")

// Change is one of the variant types below. The set is closed.
type Change interface {
	Kind() Kind
	isChange()
}

// POIData is the shape of a POI in add_poi payloads and snapshots.
type POIData struct {
	MapID       int64   `json:"map_id" validate:"gt=0"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Name        string  `json:"name" validate:"required,max=200"`
	Description string  `json:"description" validate:"max=5000"`
	Type        string  `json:"type" validate:"max=100"`
	Icon        string  `json:"icon" validate:"max=500"`
	CustomPOIID *int64  `json:"custom_poi_id,omitempty"`
}

type AddPOI struct {
	POI        POIData
	ProposerID int64
}

type MovePOI struct {
	POIID int64
	X     float64
	Y     float64
}

// POIFields lists the editable POI columns. A nil field is not written.
type POIFields struct {
	MapID       *int64   `json:"map_id"`
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Type        *string  `json:"type"`
	Icon        *string  `json:"icon"`
}

type EditPOI struct {
	POIID  int64
	Fields POIFields
}

type DeletePOI struct {
	POIID int64
}

type ChangeLoot struct {
	NPCID   int64
	ItemIDs []int64
}

type ItemData struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description"`
	ItemType    string `json:"item_type"`
	Rarity      string `json:"rarity"`
	Level       int    `json:"level" validate:"gte=0"`
	Value       int    `json:"value" validate:"gte=0"`
	Weight      int    `json:"weight" validate:"gte=0"`
	Icon        string `json:"icon"`
	IconURL     string `json:"icon_url"`
}

type AddItem struct {
	Item ItemData
}

// ItemFields excludes icon and icon_url: icons are managed by uploads, not
// proposals.
type ItemFields struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ItemType    *string `json:"item_type"`
	Rarity      *string `json:"rarity"`
	Level       *int    `json:"level"`
	Value       *int    `json:"value"`
	Weight      *int    `json:"weight"`
}

type EditItem struct {
	ItemID int64
	Fields ItemFields
}

type NPCData struct {
	NPCID       string   `json:"npcid" validate:"required,max=100"`
	Name        string   `json:"name" validate:"required,max=200"`
	NPCType     string   `json:"npc_type"`
	MapID       *int64   `json:"map_id"`
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	Description string   `json:"description"`
	Level       int      `json:"level" validate:"gte=0"`
	Health      int      `json:"health" validate:"gte=0"`
	Damage      int      `json:"damage" validate:"gte=0"`
	Armor       int      `json:"armor" validate:"gte=0"`
}

type AddNPC struct {
	NPC NPCData
}

// NPCFields excludes npcid, name and npc_type, which identify the NPC.
type NPCFields struct {
	MapID       *int64   `json:"map_id"`
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	Description *string  `json:"description"`
	Level       *int     `json:"level"`
	Health      *int     `json:"health"`
	Damage      *int     `json:"damage"`
	Armor       *int     `json:"armor"`
}

type EditNPC struct {
	NPCID  int64
	Fields NPCFields
}

func (AddPOI) Kind() Kind     { return KindAddPOI }
func (MovePOI) Kind() Kind    { return KindMovePOI }
func (EditPOI) Kind() Kind    { return KindEditPOI }
func (DeletePOI) Kind() Kind  { return KindDeletePOI }
func (ChangeLoot) Kind() Kind { return KindChangeLoot }
func (AddItem) Kind() Kind    { return KindAddItem }
func (AddNPC) Kind() Kind     { return KindAddNPC }
func (EditNPC) Kind() Kind    { return KindEditNPC }
func (EditItem) Kind() Kind   { return KindEditItem }

func (AddPOI) isChange()     {}
func (MovePOI) isChange()    {}
func (EditPOI) isChange()    {}
func (DeletePOI) isChange()  {}
func (ChangeLoot) isChange() {}
func (AddItem) isChange()    {}
func (AddNPC) isChange()     {}
func (EditNPC) isChange()    {}
func (EditItem) isChange()   {}

// CustomPOIID returns the staging custom POI behind an add_poi change.
func CustomPOIID(c Change) (int64, bool) {
	add, ok := c.(AddPOI)
	if !ok || add.POI.CustomPOIID == nil {
		return 0, false
	}
	return *add.POI.CustomPOIID, true
}
