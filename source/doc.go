// Package source provides the state core shared by every source.
//
// A Core owns a value tree and its age, the watch tree of each subscriber
// and the per-subscriber pending updates that the dispatcher drains on its
// flush timer. Concrete sources (the device drivers, the demo and metadata
// sources) embed *Core and add SetValues, CallMethod and Close.
package source
