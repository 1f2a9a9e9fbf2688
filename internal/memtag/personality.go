package memtag

import (
	"fmt"

	"github.com/memtag-dev/memtag/internal/ir"
)

// instrumentPersonalityFunctions routes exception unwinding through a
// runtime wrapper so stack memory can be retagged as frames are torn down.
// Instrumented functions sharing a personality share one thunk; functions
// with no personality but the ability to unwind get the nil-personality
// thunk, since the unwinder will otherwise never call into the runtime for
// them.
func (p *Pass) instrumentPersonalityFunctions() {
	var order []ir.Value
	groups := make(map[ir.Value][]*ir.Function)
	add := func(key ir.Value, f *ir.Function) {
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], f)
	}

	for _, f := range p.M.Funcs {
		if f.Decl || !f.Sanitize {
			continue
		}
		if f.Personality != nil {
			add(f.Personality, f)
		} else if !f.NoUnwind {
			add(nil, f)
		}
	}
	if len(order) == 0 {
		return
	}

	wrapper := p.M.ExternFunc(wrapperSym)
	getGR := p.M.ExternFunc("_Unwind_GetGR")
	getCFA := p.M.ExternFunc("_Unwind_GetCFA")

	for _, key := range order {
		name := thunkPrefix
		if key != nil {
			name += "." + personalityName(key)
		}

		// A local personality cannot be named from other units, so its
		// thunk stays local too; otherwise the thunk is deduplicated
		// across units by name.
		local := false
		if fn, ok := key.(*ir.Function); ok {
			local = fn.Linkage == ir.Internal || fn.Linkage == ir.Private
		}

		thunk := &ir.Function{Sym: name, Sanitize: false, NoUnwind: true}
		if local {
			thunk.Linkage = ir.Internal
		} else {
			thunk.Linkage = ir.LinkOnceODR
			thunk.Visibility = ir.HiddenVisibility
			thunk.Comdat = name
		}
		for i := 0; i < 5; i++ {
			thunk.Params = append(thunk.Params, &ir.Param{Sym: fmt.Sprintf("a%d", i), Index: i})
		}

		entry := thunk.NewBlock("entry")
		b := ir.NewBuilderAppend(entry)
		orig := key
		if orig == nil {
			orig = ir.Const64(0)
		}
		args := make([]ir.Value, 0, 8)
		for _, pa := range thunk.Params {
			args = append(args, pa)
		}
		args = append(args, orig, getGR, getCFA)
		call := &ir.Call{Dst: thunk.NextTemp(), Callee: wrapper, Args: args, Tail: true}
		b.Insert(call)
		b.Insert(&ir.Ret{Val: call})

		p.M.Funcs = append(p.M.Funcs, thunk)
		for _, f := range groups[key] {
			f.Personality = thunk
		}
	}
}

func personalityName(v ir.Value) string {
	switch x := v.(type) {
	case *ir.Function:
		return x.Sym
	case *ir.Global:
		return x.Sym
	case *ir.Alias:
		return x.Sym
	default:
		return "anon"
	}
}
