// Package waitstation implements the multi-ACK rendezvous registry spec §4.3
// describes: a bounded, recycled-id pool of stations, each converting one outbound
// broadcast expecting K ACKs into a single object a fault can sleep on.
package waitstation

// node is an element of the free-index stack the Registry uses to recycle station ids
// (spec §4.3: "draws a station id from a bounded pool (16-bit space, order 64K)").
type node struct {
	id   uint16
	next *node
}

// freeStack is a minimal LIFO of recyclable ids, the same node/next shape the
// teacher's doubly linked list uses for its free-running structures, sized down to a
// singly linked stack since ids are only ever pushed/popped from one end.
type freeStack struct {
	top  *node
	size int
}

func (s *freeStack) push(id uint16) {
	s.top = &node{id: id, next: s.top}
	s.size++
}

func (s *freeStack) pop() (uint16, bool) {
	if s.top == nil {
		return 0, false
	}
	id := s.top.id
	s.top = s.top.next
	s.size--
	return id, true
}
