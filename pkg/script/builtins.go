package script

import (
	"fmt"
	"math"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/reborn-dev/reborn/pkg/fncall"
	"github.com/reborn-dev/reborn/pkg/objects"
	"github.com/reborn-dev/reborn/pkg/orchestrator"
)

// rule(trigger, fn, name=None) registers fn to run every time a function
// called trigger is dispatched.
func (env *Env) rule(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		trigger string
		fn      starlark.Callable
		name    string
	)
	if err := starlark.UnpackArgs(ruleBuiltinName, args, kwargs, "trigger", &trigger, "fn", &fn, "name?", &name); err != nil {
		return nil, err
	}
	if name == "" {
		name = fn.Name()
	}
	env.rules = append(env.rules, orchestrator.EventRule{
		Name:    name,
		Trigger: trigger,
		Action:  env.action(fn),
	})
	return starlark.None, nil
}

func objectValue(obj *objects.Object) starlark.Value {
	if obj == nil {
		return starlark.None
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"addr":  starlark.MakeUint64(obj.Addr),
		"name":  starlark.String(obj.Name),
		"cls":   starlark.String(obj.Class),
		"index": starlark.MakeInt(obj.Index),
	})
}

// find(name, cls=None) returns the object called name, or None.
func (env *Env) find(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a, err := activation(thread, findBuiltinName)
	if err != nil {
		return nil, err
	}
	var name, cls string
	if err := starlark.UnpackArgs(findBuiltinName, args, kwargs, "name", &name, "cls?", &cls); err != nil {
		return nil, err
	}
	return objectValue(a.Catalog.FindByName(name, cls)), nil
}

// singleton(kind) returns the live camera, player-input or
// player-controller object, or None.
func (env *Env) singleton(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	a, err := activation(thread, singletonBuiltinName)
	if err != nil {
		return nil, err
	}
	var kind string
	if err := starlark.UnpackArgs(singletonBuiltinName, args, kwargs, "kind", &kind); err != nil {
		return nil, err
	}
	fns := env.conf.Functions
	var q objects.Query
	switch kind {
	case "camera":
		q = objects.Query(fns.Camera)
	case "player-input":
		q = objects.Query(fns.PlayerInput)
	case "player-controller":
		q = objects.Query(fns.PlayerController)
	default:
		return nil, decorateError(thread, fmt.Errorf("unknown singleton %q", kind))
	}
	return objectValue(a.Catalog.Find(q)), nil
}

// setting(key) returns the raw value of a setting. A missing setting is an
// error.
func (env *Env) setting(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(settingBuiltinName, args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	v, err := env.conf.Settings.String(key)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.String(v), nil
}

// invoke(object, function, block) dispatches function on object and
// returns the block as the function left it. object is an address or an
// object, function an address, an object or a qualified function name.
func (env *Env) invoke(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := isCancelled(thread); err != nil {
		return nil, err
	}
	a, err := activation(thread, invokeBuiltinName)
	if err != nil {
		return nil, err
	}
	var objv, fnv starlark.Value
	var blk starlark.Bytes
	if err := starlark.UnpackArgs(invokeBuiltinName, args, kwargs, "object", &objv, "function", &fnv, "block?", &blk); err != nil {
		return nil, err
	}
	object, err := toAddr(objv)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	var function uint64
	if name, ok := fnv.(starlark.String); ok {
		fn, err := a.Catalog.MustFindByName(string(name), env.conf.Functions.FunctionClass)
		if err != nil {
			return nil, decorateError(thread, err)
		}
		function = fn.Addr
	} else if function, err = toAddr(fnv); err != nil {
		return nil, decorateError(thread, err)
	}
	out, err := a.Target.Invoke(a.Thread, object, function, []byte(blk))
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.Bytes(out), nil
}

// exec(command) runs a console command and returns what the command
// execution function returned.
func (env *Env) exec(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := isCancelled(thread); err != nil {
		return nil, err
	}
	a, err := activation(thread, execBuiltinName)
	if err != nil {
		return nil, err
	}
	var command string
	if err := starlark.UnpackArgs(execBuiltinName, args, kwargs, "command", &command); err != nil {
		return nil, err
	}
	ret, err := a.Target.Exec(a.Thread, command)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.MakeInt64(int64(ret)), nil
}

// toAddr converts an integer or an object returned by find to an address.
func toAddr(v starlark.Value) (uint64, error) {
	switch v := v.(type) {
	case starlark.Int:
		if u, ok := v.Uint64(); ok {
			return u, nil
		}
		return 0, fmt.Errorf("address %v out of range", v)
	case *starlarkstruct.Struct:
		addr, err := v.Attr("addr")
		if err != nil {
			return 0, err
		}
		return toAddr(addr)
	case field:
		if u, ok := v.v.(uint64); ok {
			return u, nil
		}
	case starlark.NoneType:
		return 0, fmt.Errorf("no object")
	}
	return 0, fmt.Errorf("%s is not an address", v.Type())
}

// field is a typed member of a parameter block.
type field struct {
	typ string
	v   interface{}
}

func (f field) String() string        { return fmt.Sprintf("%s(%v)", f.typ, f.v) }
func (f field) Type() string          { return f.typ }
func (f field) Freeze()               {}
func (f field) Truth() starlark.Bool  { return starlark.True }
func (f field) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: %s", f.typ) }

func unsigned(fnname string, args starlark.Tuple, kwargs []starlark.Tuple, max uint64) (uint64, error) {
	var x starlark.Value
	if err := starlark.UnpackPositionalArgs(fnname, args, kwargs, 1, &x); err != nil {
		return 0, err
	}
	if s, ok := x.(*starlarkstruct.Struct); ok {
		return toAddr(s)
	}
	i, ok := x.(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("%s: got %s, want int", fnname, x.Type())
	}
	u, ok := i.Uint64()
	if !ok || u > max {
		return 0, fmt.Errorf("%s: %v out of range", fnname, i)
	}
	return u, nil
}

var fieldConverters = map[string]func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error){
	"u8": func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		u, err := unsigned(b.Name(), args, kwargs, math.MaxUint8)
		return field{"u8", uint8(u)}, err
	},
	"u32": func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		u, err := unsigned(b.Name(), args, kwargs, math.MaxUint32)
		return field{"u32", uint32(u)}, err
	},
	"u64": func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		u, err := unsigned(b.Name(), args, kwargs, math.MaxUint64)
		return field{"u64", u}, err
	},
	"ptr": func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		u, err := unsigned(b.Name(), args, kwargs, math.MaxUint64)
		return field{"ptr", u}, err
	},
	"f32": func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		f, ok := starlark.AsFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want float", b.Name(), x.Type())
		}
		return field{"f32", float32(f)}, nil
	},
	"ubool": func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		return field{"ubool", fncall.Bool(bool(x.Truth()))}, nil
	},
}

// block(*fields) lays out typed fields in a parameter block. bytes
// arguments are copied verbatim.
func block(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", blockBuiltinName)
	}
	fields := make([]interface{}, len(args))
	for i, arg := range args {
		switch arg := arg.(type) {
		case field:
			fields[i] = arg.v
		case starlark.Bytes:
			fields[i] = []byte(arg)
		default:
			return nil, decorateError(thread, fmt.Errorf("%s: field %d has type %s, use u8, u32, u64, f32, ubool or ptr", blockBuiltinName, i, arg.Type()))
		}
	}
	b, err := fncall.Encode(fields...)
	if err != nil {
		return nil, decorateError(thread, err)
	}
	return starlark.Bytes(b), nil
}
