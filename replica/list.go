package replica

// node is one element of a doubly linked MRU list of replicas, adapted from the
// teacher's cache package doubly linked list: a node holds a payload plus prev/next
// pointers so removal given the node itself is O(1), with head/tail kept on the owning
// list for MRU-at-head, LRU-at-tail ordering (spec §4.4's "active/inactive LRU-ordered
// lists").
type node struct {
	replica *Replica
	prev    *node
	next    *node
}

type list struct {
	head *node
	tail *node
	size int
}

func (l *list) len() int { return l.size }

// pushHead inserts r at the MRU end and returns its node.
func (l *list) pushHead(r *Replica) *node {
	n := &node{replica: r}
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.size++
	r.dllNode = n
	return n
}

// popTail removes and returns the LRU-end replica, or nil if the list is empty.
func (l *list) popTail() *Replica {
	if l.tail == nil {
		return nil
	}
	n := l.tail
	l.remove(n)
	n.replica.dllNode = nil
	return n.replica
}

// removeReplica unchains r's node from the list, if it is on one.
func (l *list) removeReplica(r *Replica) {
	if r.dllNode == nil {
		return
	}
	l.remove(r.dllNode)
	r.dllNode = nil
}

// remove unchains n from the list.
func (l *list) remove(n *node) {
	if n == nil {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.size--
}
