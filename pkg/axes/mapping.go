// Package axes maps the named dimensions of an image onto the fixed slots of an
// inference tensor.
//
// A Mapping keeps three tables keyed by axis: the dimension index of the axis in
// the image, the tensor slot it is bound to and its extent. Mapping is a plain
// value; copying it yields an independent mapping, which is how concurrent
// prediction runs derived from one base configuration get private state.
package axes

import (
	"errors"
	"fmt"
	"strings"

	"deeprestore/internal/models"
)

// Unset marks an axis that is not bound to any tensor slot, or absent from the image
const Unset = -1

// ErrNoDefaultMapping is returned by SetDefaults for tensor ranks without a heuristic.
// The mapping stays unset and must be assigned explicitly.
var ErrNoDefaultMapping = errors.New("no default axis mapping for tensor rank")

// Mapping binds image axes to tensor slots
type Mapping struct {
	datasetIndex [models.NumAxes]int
	tensorIndex  [models.NumAxes]int
	size         [models.NumAxes]int
}

// AssignUnknownDimensions gives every image dimension with an unrecognized axis
// one of the vocabulary axes the image does not use yet. Unknown dimensions are
// taken in dimension order and unused axes in vocabulary order. Dimensions left
// over when the vocabulary runs out stay unknown and are counted in unassigned.
func AssignUnknownDimensions(im *models.Image) (assigned, unassigned int) {
	var present [models.NumAxes]bool
	for _, d := range im.Dims {
		present[d.Axis] = true
	}

	var unused []models.Axis
	for _, a := range models.KnownAxes {
		if !present[a] {
			unused = append(unused, a)
		}
	}

	for i := range im.Dims {
		if im.Dims[i].Axis.Known() {
			continue
		}
		if assigned < len(unused) {
			im.Dims[i].Axis = unused[assigned]
			assigned++
		} else {
			unassigned++
		}
	}
	return assigned, unassigned
}

// NewMapping records where every recognized axis sits in the image and how large
// it is. All tensor slots start unset.
func NewMapping(im *models.Image) Mapping {
	var m Mapping
	for a := 0; a < models.NumAxes; a++ {
		axis := models.Axis(a)
		m.tensorIndex[a] = Unset
		m.datasetIndex[a] = Unset
		m.size[a] = 1
		if !axis.Known() {
			continue
		}
		if i := im.DimensionIndex(axis); i >= 0 {
			m.datasetIndex[a] = i
			m.size[a] = im.Dims[i].Size
		}
	}
	return m
}

// SetDefaults binds axes to slots for the tensor rank.
//
// Rank 5 uses the canonical order Time, Z, Y, X, Channel. Rank 4 binds Y and X to
// slots 2 and 3 and a placeholder unknown axis to slot 0; slot 1 goes to Z when
// the image has depth, otherwise to Channel when there are several channels,
// otherwise to Time. The remaining one of Channel and Time is given slot 4.
// Any other rank leaves the mapping unset and returns ErrNoDefaultMapping.
func (m *Mapping) SetDefaults(rank int) error {
	m.Clear()
	switch rank {
	case 5:
		m.tensorIndex[models.AxisTime] = 0
		m.tensorIndex[models.AxisZ] = 1
		m.tensorIndex[models.AxisY] = 2
		m.tensorIndex[models.AxisX] = 3
		m.tensorIndex[models.AxisChannel] = 4
	case 4:
		m.tensorIndex[models.AxisUnknown] = 0
		m.tensorIndex[models.AxisY] = 2
		m.tensorIndex[models.AxisX] = 3
		if m.size[models.AxisZ] > 1 {
			m.tensorIndex[models.AxisZ] = 1
			if m.size[models.AxisChannel] > 1 {
				m.tensorIndex[models.AxisChannel] = 4
			} else {
				m.tensorIndex[models.AxisTime] = 4
			}
		} else {
			if m.size[models.AxisChannel] > 1 {
				m.tensorIndex[models.AxisChannel] = 1
				m.tensorIndex[models.AxisTime] = 4
			} else {
				m.tensorIndex[models.AxisTime] = 1
				m.tensorIndex[models.AxisChannel] = 4
			}
		}
	default:
		return fmt.Errorf("%w: %d", ErrNoDefaultMapping, rank)
	}
	return nil
}

// Clear unbinds every axis
func (m *Mapping) Clear() {
	for a := range m.tensorIndex {
		m.tensorIndex[a] = Unset
	}
}

// SetSlot binds the axis to the slot. An axis already holding that slot loses it.
func (m *Mapping) SetSlot(a models.Axis, slot int) {
	if slot != Unset {
		for other := range m.tensorIndex {
			if m.tensorIndex[other] == slot {
				m.tensorIndex[other] = Unset
			}
		}
	}
	m.tensorIndex[a] = slot
}

// SetSlots binds axes[i] to slot i and leaves every other axis unset
func (m *Mapping) SetSlots(axes ...models.Axis) {
	m.Clear()
	for slot, a := range axes {
		m.tensorIndex[a] = slot
	}
}

// Permute swaps the slots of two axes
func (m *Mapping) Permute(a, b models.Axis) {
	m.tensorIndex[a], m.tensorIndex[b] = m.tensorIndex[b], m.tensorIndex[a]
}

// RemoveAxis unbinds the axis and moves every axis bound above its slot down by one.
// It reports whether anything changed; an axis that is already unset is left alone.
func (m *Mapping) RemoveAxis(a models.Axis) bool {
	removed := m.tensorIndex[a]
	if removed < 0 {
		return false
	}
	m.tensorIndex[a] = Unset
	for other := range m.tensorIndex {
		if m.tensorIndex[other] > removed {
			m.tensorIndex[other]--
		}
	}
	return true
}

// ReduceRank removes the Z axis, the axis collapsed by networks whose output has
// one dimension less than their input
func (m *Mapping) ReduceRank() bool {
	return m.RemoveAxis(models.AxisZ)
}

// HandleDimensionReduction applies ReduceRank when the output rank is exactly one
// less than the input rank
func (m *Mapping) HandleDimensionReduction(inputRank, outputRank int) bool {
	if inputRank != outputRank+1 {
		return false
	}
	return m.ReduceRank()
}

// SlotOf returns the slot bound to the axis, or Unset
func (m *Mapping) SlotOf(a models.Axis) int {
	return m.tensorIndex[a]
}

// Size returns the image extent of the axis, 1 when the image lacks it
func (m *Mapping) Size(a models.Axis) int {
	return m.size[a]
}

// DatasetIndex returns the image dimension index of the axis, or Unset
func (m *Mapping) DatasetIndex(a models.Axis) int {
	return m.datasetIndex[a]
}

// AxisAt returns the axis bound to the slot
func (m *Mapping) AxisAt(slot int) (models.Axis, bool) {
	if slot < 0 {
		return models.AxisUnknown, false
	}
	for a, s := range m.tensorIndex {
		if s == slot {
			return models.Axis(a), true
		}
	}
	return models.AxisUnknown, false
}

// SizeAt returns the extent of the axis bound to the slot. Slots without an axis
// are broadcast dimensions of size 1.
func (m *Mapping) SizeAt(slot int) int {
	if a, ok := m.AxisAt(slot); ok {
		return m.size[a]
	}
	return 1
}

// DatasetIndexAt returns the image dimension index behind the slot, or Unset
func (m *Mapping) DatasetIndexAt(slot int) int {
	if a, ok := m.AxisAt(slot); ok {
		return m.datasetIndex[a]
	}
	return Unset
}

// AxisNameAt returns the one letter label of the axis bound to the slot, or ""
func (m *Mapping) AxisNameAt(slot int) string {
	if a, ok := m.AxisAt(slot); ok {
		return a.Label()
	}
	return ""
}

// SlotOfDatasetIndex returns the slot bound to the axis at image dimension d, or Unset
func (m *Mapping) SlotOfDatasetIndex(d int) int {
	if d < 0 {
		return Unset
	}
	for a, idx := range m.datasetIndex {
		if idx == d {
			return m.tensorIndex[a]
		}
	}
	return Unset
}

// Validate checks that no two axes share a slot
func (m *Mapping) Validate() error {
	owner := map[int]models.Axis{}
	for a, s := range m.tensorIndex {
		if s == Unset {
			continue
		}
		if s < 0 {
			return fmt.Errorf("axis %s has invalid slot %d", models.Axis(a), s)
		}
		if prev, ok := owner[s]; ok {
			return fmt.Errorf("axes %s and %s both bound to slot %d", prev, models.Axis(a), s)
		}
		owner[s] = models.Axis(a)
	}
	return nil
}

// Initialized reports whether any axis is bound
func (m *Mapping) Initialized() bool {
	for _, s := range m.tensorIndex {
		if s != Unset {
			return true
		}
	}
	return false
}

// String lists the bound slots, e.g. "0:T 1:Z 2:Y 3:X 4:C"
func (m Mapping) String() string {
	var parts []string
	for slot := 0; slot < models.NumAxes; slot++ {
		if a, ok := m.AxisAt(slot); ok {
			parts = append(parts, fmt.Sprintf("%d:%s(%d)", slot, a.Label(), m.size[a]))
		}
	}
	if len(parts) == 0 {
		return "unset"
	}
	return strings.Join(parts, " ")
}
