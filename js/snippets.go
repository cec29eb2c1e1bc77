// Package js holds the script sources the bridge injects into a context and
// Go mirrors of JS typed arrays.
package js

// ConsoleWriter is the global the console prelude forwards to.
const ConsoleWriter = "__console_write"

// ConsolePrelude installs globalThis.console on top of ConsoleWriter.
const ConsolePrelude = `
globalThis.console = {
	trace: (...args) => { globalThis.__console_write("trace", ...args); },
	debug: (...args) => { globalThis.__console_write("debug", ...args); },
	log: (...args) => { globalThis.__console_write("log", ...args); },
	info: (...args) => { globalThis.__console_write("info", ...args); },
	warn: (...args) => { globalThis.__console_write("warn", ...args); },
	error: (...args) => { globalThis.__console_write("error", ...args); },
};
`

// Resolver evaluates to a function that records the settlement of a
// thenable on a state object:
//
//	done  - false until the thenable settled
//	ok    - true when fulfilled, false when rejected
//	value - the fulfillment value or the rejection reason
const Resolver = `(function (promise, state) {
	state.done = false;
	promise.then(
		(value) => {
			state.ok = true;
			state.value = value;
			state.done = true;
		},
		(error) => {
			state.ok = false;
			state.value = error;
			state.done = true;
		},
	);
})`

// Exports evaluates to a description of the global functions a script
// declared. Globals starting with two underscores belong to the bridge and
// are skipped. params leaves out a trailing rest parameter, which sets
// rest, and is empty when the list is not a plain list of names.
const Exports = `Object.keys(globalThis)
	.filter((name) => !name.startsWith("__") && typeof globalThis[name] === "function")
	.map((name) => {
		const fn = globalThis[name];
		const source = Function.prototype.toString.call(fn);
		const match = /^[^(]*\(([^)]*)\)/.exec(source);
		const params = match ? match[1].split(",").map((p) => p.trim()).filter((p) => p !== "") : [];
		const rest = params.length > 0 && params[params.length - 1].startsWith("...");
		const plain = rest ? params.slice(0, -1) : params;
		return {
			name,
			length: fn.length,
			async: fn.constructor && fn.constructor.name === "AsyncFunction",
			params: plain.every((p) => /^[A-Za-z_$][\w$]*$/.test(p)) ? plain : [],
			rest,
		};
	})`
