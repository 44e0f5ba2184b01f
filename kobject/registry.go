package kobject

import "sync"

// Registry resolves a Capability's object handle back to the live
// kernel object it names. Handles are minted by Slab instances but must
// resolve uniquely across the whole kernel (a capability carries no
// notion of "which PD's slab"), so every object is additionally
// registered here by its creator with Put. Nothing removes an entry
// automatically; an entry stays until Remove is called for its handle.
type Registry struct {
	mu      sync.RWMutex
	objects map[uint64]interface{}
}

func NewRegistry() *Registry {
	return &Registry{objects: make(map[uint64]interface{})}
}

func (r *Registry) Put(handle uint64, obj interface{}) {
	r.mu.Lock()
	r.objects[handle] = obj
	r.mu.Unlock()
}

func (r *Registry) Get(handle uint64) interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects[handle]
}

func (r *Registry) Remove(handle uint64) {
	r.mu.Lock()
	delete(r.objects, handle)
	r.mu.Unlock()
}

func (r *Registry) GetPD(h uint64) *PD { o, _ := r.Get(h).(*PD); return o }
func (r *Registry) GetEC(h uint64) *EC { o, _ := r.Get(h).(*EC); return o }
func (r *Registry) GetSC(h uint64) *SC { o, _ := r.Get(h).(*SC); return o }
func (r *Registry) GetPT(h uint64) *PT { o, _ := r.Get(h).(*PT); return o }
func (r *Registry) GetSM(h uint64) *SM { o, _ := r.Get(h).(*SM); return o }
