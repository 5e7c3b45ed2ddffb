// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Code to find the strongly connected components of a graph using
// Kosaraju's algorithm.

package util

// inputs: nodes in some graph
// edges: returns the nodes that a node has an edge to; nodes not in
//   'inputs' are ignored
// Returns the strongly connected components in topological order.

func StronglyConnectedComponents[K comparable](inputs []K, edges func(K) []K) [][]K {
	nodes := make([]*nodeT, len(inputs))
	lookup := map[K]*nodeT{}
	for i, input := range inputs {
		nodes[i] = &nodeT{index: i}
		lookup[input] = nodes[i]
	}
	for i, parent := range inputs {
		parentNode := nodes[i]
		for _, child := range edges(parent) {
			childNode := lookup[child]
			if childNode == nil {
				continue
			}
			parentNode.children = append(parentNode.children, childNode)
			childNode.parents = append(childNode.parents, parentNode)
		}
	}
	order := make([]*nodeT, 0, len(nodes))
	for _, node := range nodes {
		visitPostorder(node, false, func(n *nodeT) { order = append(order, n) })
	}
	for _, node := range nodes {
		node.seen = false
	}
	result := [][]K{}
	for i := len(order) - 1; 0 <= i; i-- {
		node := order[i]
		component := []K{}
		visitPostorder(node, true, func(n *nodeT) { component = append(component, inputs[n.index]) })
		if 0 < len(component) {
			result = append(result, component)
		}
	}
	return result
}

type nodeT struct {
	index    int // index of the corresponding input node
	seen     bool
	children []*nodeT
	parents  []*nodeT
}

func visitPostorder(node *nodeT, up bool, visit func(*nodeT)) {
	var recur func(*nodeT)
	recur = func(node *nodeT) {
		if node.seen {
			return
		}
		node.seen = true
		if up {
			for _, parent := range node.parents {
				recur(parent)
			}
		} else {
			for _, child := range node.children {
				recur(child)
			}
		}
		visit(node)
	}
	recur(node)
}
