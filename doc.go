// Package continuation implements the freeze and thaw core of a
// virtual-thread runtime: capturing a prefix of a carrier's native
// stack into a heap-resident stack chunk on yield, and reinstalling
// frames from the chunk onto a carrier stack on resume.
//
// This code is very latency critical: a well-behaved server yields on
// every blocking operation, so freeze and thaw run many thousands of
// times per second per core with an amortized budget on the order of
// 100ns. On the fast path all frames are known to be compiled and the
// chunk requires no barriers, so the frames are simply copied and the
// bottom-most one is patched. On the slow path, internal pointers in
// interpreted frames are relativized to offsets (and back), and store
// barriers are applied.
//
// Carrier-stack layout around a freeze, high indices at the top:
//
//	|   carrier frames           |
//	|----------------------------|
//	|   continuation entry       | <- entry sp
//	|----------------------------|
//	|   pad + caller stack args  |
//	|----------------------------| ---
//	|  pc (return barrier or     |  ^
//	|      the true entry pc)    |  |
//	|  fp                        |  |
//	|    frame                   |  |  frames to freeze or thaw
//	|----------------------------|  |
//	|    frame                   |  v
//	|----------------------------| ---
//	|   yield / safepoint stub   | <- the sp passed to freeze
//	|----------------------------|
//
// Freeze and thaw run synchronously on the carrier that owns the
// continuation. The only suspension points are slow-path chunk
// allocation and stack-overflow error construction; between the
// anchor unwind and the continuation write there are none, so an
// asynchronous stack walker observes either the pre-freeze stack or
// the post-freeze one.
package continuation
