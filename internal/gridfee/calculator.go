// Package gridfee answers path-fee queries over the latest grid snapshot.
package gridfee

import (
	"fmt"
	"sync"

	"em-agg-sdk/internal/errs"
	"em-agg-sdk/internal/types"

	"github.com/shopspring/decimal"
)

var feeTypes = []types.FeeType{types.FeeCurrent, types.FeeLast, types.FeeNext}

// Calculator holds the latest grid snapshot together with the per-node
// ancestor chains and the per-market fee tables. Refresh installs a whole
// new snapshot under the write lock, so queries made inside an event
// callback always see the tree delivered with that event.
type Calculator struct {
	mu          sync.RWMutex
	tree        *types.Area
	areas       map[string]*types.Area
	nameToUUIDs map[string][]string
	pathsToRoot map[string][]string
	fees        map[types.FeeType]map[string]decimal.Decimal
}

func New() *Calculator {
	return &Calculator{}
}

// Refresh rebuilds every table from the tree in one traversal.
func (c *Calculator) Refresh(tree *types.Area) {
	if tree == nil {
		return
	}
	areas := make(map[string]*types.Area)
	names := make(map[string][]string)
	paths := make(map[string][]string)
	fees := make(map[types.FeeType]map[string]decimal.Decimal, len(feeTypes))
	for _, ft := range feeTypes {
		fees[ft] = make(map[string]decimal.Decimal)
	}

	var walk func(node *types.Area, ancestors []string)
	walk = func(node *types.Area, ancestors []string) {
		areas[node.UUID] = node
		names[node.Name] = append(names[node.Name], node.UUID)
		paths[node.UUID] = append([]string(nil), ancestors...)
		if node.IsMarket() {
			for _, ft := range feeTypes {
				if fee, ok := node.Fee(ft); ok {
					fees[ft][node.UUID] = fee
				}
			}
		}
		next := append(ancestors, node.UUID)
		for _, child := range node.Children {
			walk(child, next)
		}
	}
	walk(tree, nil)

	c.mu.Lock()
	c.tree = tree
	c.areas = areas
	c.nameToUUIDs = names
	c.pathsToRoot = paths
	c.fees = fees
	c.mu.Unlock()
}

// Tree returns the snapshot the calculator currently answers from.
func (c *Calculator) Tree() *types.Area {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree
}

// resolve accepts a uuid or an area name. Names are not unique; a name that
// maps to more than one node is rejected so callers fall back to uuids.
func (c *Calculator) resolve(nameOrUUID string) (string, error) {
	if _, ok := c.areas[nameOrUUID]; ok {
		return nameOrUUID, nil
	}
	ids := c.nameToUUIDs[nameOrUUID]
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return "", fmt.Errorf("%w: %q", errs.ErrUnknownArea, nameOrUUID)
	default:
		return "", fmt.Errorf("%w: name %q maps to %d areas", errs.ErrUnknownArea, nameOrUUID, len(ids))
	}
}

// Calculate returns the total fee along the path between start and target,
// both given as uuid or name. With an empty target it answers the unary
// form: the node's own fee for a market, the connected market's fee for an
// asset. The boolean is false while no snapshot has been observed yet.
func (c *Calculator) Calculate(start, target string, feeType types.FeeType) (decimal.Decimal, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tree == nil {
		return decimal.Zero, false, nil
	}
	feeTable, ok := c.fees[feeType]
	if !ok {
		return decimal.Zero, false, fmt.Errorf("unknown fee type %q", feeType)
	}
	startUUID, err := c.resolve(start)
	if err != nil {
		return decimal.Zero, false, err
	}
	if target == "" {
		return c.unaryFee(startUUID, feeTable)
	}
	targetUUID, err := c.resolve(target)
	if err != nil {
		return decimal.Zero, false, err
	}
	return c.pathFee(startUUID, targetUUID, feeTable)
}

func (c *Calculator) unaryFee(uuid string, feeTable map[string]decimal.Decimal) (decimal.Decimal, bool, error) {
	if c.areas[uuid].IsMarket() {
		return feeTable[uuid], true, nil
	}
	path := c.pathsToRoot[uuid]
	for i := len(path) - 1; i >= 0; i-- {
		if c.areas[path[i]].IsMarket() {
			return feeTable[path[i]], true, nil
		}
	}
	return decimal.Zero, true, nil
}

// pathFee implements the documented legacy formula, including its union
// step; scenario tests pin the exact values, so it is not "fixed" here.
func (c *Calculator) pathFee(startUUID, targetUUID string, feeTable map[string]decimal.Decimal) (decimal.Decimal, bool, error) {
	pathStart := c.pathsToRoot[startUUID]
	pathTarget := c.pathsToRoot[targetUUID]

	inTarget := make(map[string]struct{}, len(pathTarget))
	for _, id := range pathTarget {
		inTarget[id] = struct{}{}
	}
	shared := make(map[string]struct{}, len(pathStart))
	var deepestShared string
	var startOnly []string
	for _, id := range pathStart {
		if _, ok := inTarget[id]; ok {
			shared[id] = struct{}{}
			deepestShared = id
		} else {
			startOnly = append(startOnly, id)
		}
	}
	var targetOnly []string
	for _, id := range pathTarget {
		if _, ok := shared[id]; !ok {
			targetOnly = append(targetOnly, id)
		}
	}

	feePath := make(map[string]struct{})
	switch {
	case len(startOnly) == 1 && startOnly[0] == targetUUID:
		feePath[targetUUID] = struct{}{}
	case len(targetOnly) == 1 && targetOnly[0] == startUUID:
		feePath[startUUID] = struct{}{}
	default:
		if deepestShared != "" {
			feePath[deepestShared] = struct{}{}
		}
		for _, id := range startOnly {
			feePath[id] = struct{}{}
		}
		for _, id := range targetOnly {
			feePath[id] = struct{}{}
		}
		feePath[startUUID] = struct{}{}
		feePath[targetUUID] = struct{}{}
	}

	total := decimal.Zero
	for id := range feePath {
		if fee, ok := feeTable[id]; ok {
			total = total.Add(fee)
		}
	}
	return total, true, nil
}
