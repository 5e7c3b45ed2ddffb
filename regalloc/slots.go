// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package regalloc

import (
	"slices"

	"github.com/s48/regalloc/ir"
	"github.com/s48/regalloc/liveness"
	"tlog.app/go/errors"
)

// Memory values are put into groups that share a slot.  All memory
// versions of one original hold the same bits and start out in one
// group.  A memory phi joins its operands' groups when their live
// ranges don't overlap, so that the phi needs no moves.  Groups are
// then given slots first-fit.

type slotGroupT struct {
	values []*ir.ValueT
	live   *liveness.RangeT
	pin    int // -1 if not pinned
}

func (group *slotGroupT) join(other *slotGroupT, groupOf map[*ir.ValueT]*slotGroupT) {
	for _, value := range other.values {
		groupOf[value] = group
	}
	group.values = append(group.values, other.values...)
	group.live = group.live.Union(other.live)
	if group.pin < 0 {
		group.pin = other.pin
	}
}

func (alloc *allocatorT) assignSlots(result *ResultT, info *liveness.InfoT) error {
	f := alloc.f
	groupOf := map[*ir.ValueT]*slotGroupT{}
	groups := []*slotGroupT{}
	byOriginal := map[*ir.ValueT]*slotGroupT{}
	for _, value := range f.Values {
		rng := info.Range(value)
		if !value.Memory || rng == nil {
			continue
		}
		pin := -1
		if value.Pin.IsSlot() {
			pin = value.Pin.Slot
		}
		group := &slotGroupT{values: []*ir.ValueT{value}, live: rng, pin: pin}
		groupOf[value] = group
		if other := byOriginal[value.Original()]; other != nil {
			if 0 <= other.pin && 0 <= pin && other.pin != pin {
				return errors.Wrap(ErrInternal, "%s: versions of %s are pinned to slots %d and %d",
					f.Name, value.Original(), other.pin, pin)
			}
			other.join(group, groupOf)
			continue
		}
		byOriginal[value.Original()] = group
		groups = append(groups, group)
	}
	joined := map[*slotGroupT]bool{}
	for _, block := range f.Blocks {
		for _, phi := range block.Phis {
			if !phi.Result.Memory {
				continue
			}
			for _, operand := range phi.Operands {
				group := groupOf[phi.Result]
				other := groupOf[operand.Value]
				if group == nil || other == nil || group == other || group.live.Conflicts(other.live) ||
					(0 <= group.pin && 0 <= other.pin) {
					continue
				}
				group.join(other, groupOf)
				joined[other] = true
			}
		}
	}
	groups = slices.DeleteFunc(groups, func(group *slotGroupT) bool { return joined[group] })

	var slots []*liveness.RangeT
	place := func(group *slotGroupT, slot int) {
		for len(slots) <= slot {
			slots = append(slots, &liveness.RangeT{})
		}
		slots[slot] = slots[slot].Union(group.live)
		for _, value := range group.values {
			result.Assignment[value] = ir.SlotLocation(slot)
		}
	}
	for _, group := range groups {
		if group.pin < 0 {
			continue
		}
		if group.pin < len(slots) && slots[group.pin].Conflicts(group.live) {
			return errors.Wrap(ErrInternal, "%s: %s and another value are live together and both pinned to slot %d",
				f.Name, group.values[0], group.pin)
		}
		place(group, group.pin)
	}
	for _, group := range groups {
		if 0 <= group.pin {
			continue
		}
		slot := 0
		for slot < len(slots) && slots[slot].Conflicts(group.live) {
			slot += 1
		}
		place(group, slot)
	}

	tgt := alloc.target
	result.Slots = len(slots)
	result.ScratchSlot = -1
	total := len(slots)
	if 0 < tgt.ScratchSlots() {
		result.ScratchSlot = total
		total += tgt.ScratchSlots()
	}
	result.FrameBytes = total * tgt.SlotSize
	alloc.stats.Slots = result.Slots
	alloc.stats.FrameBytes = result.FrameBytes
	if 0 < tgt.MaxFrameBytes && tgt.MaxFrameBytes < result.FrameBytes {
		return errors.Wrap(ErrFrameTooLarge, "%s: %d slots need %d bytes, %s allows %d",
			f.Name, total, result.FrameBytes, tgt.Name, tgt.MaxFrameBytes)
	}
	return nil
}
