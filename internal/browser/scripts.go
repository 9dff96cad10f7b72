package browser

// collectCandidatesJS gathers candidate elements under document.body in
// document order. mode "aria" takes interactive tags plus anything carrying a
// role attribute; mode "dom" takes the DOM selector set and skips hidden
// elements. The element list is kept on window.__sbCandidates so a driver
// can fetch live handles for the same elements. With tagIds set, each element
// also gets a document-scoped id that survives later walks.
const collectCandidatesJS = `({mode, tagIds}) => {
	const body = document.body;
	if (!body) return [];
	const ariaSel = 'a, button, input, select, textarea, [role]';
	const domSel = 'a[href], button, input, select, textarea, [role="button"], [role="link"], [role="checkbox"], [tabindex]:not([tabindex="-1"])';
	let els = Array.from(body.querySelectorAll(mode === 'dom' ? domSel : ariaSel));
	if (mode === 'dom') {
		els = els.filter((el) => {
			const style = window.getComputedStyle(el);
			return style.display !== 'none' && style.visibility !== 'hidden';
		});
	}
	const w = window;
	w.__sbCandidates = els;
	let ids = null;
	if (tagIds) {
		if (!w.__sbNodeIds) {
			w.__sbNodeIds = new WeakMap();
			w.__sbNodes = new Map();
			w.__sbNodeSeq = 0;
			w.__sbDoc = Math.random().toString(36).slice(2, 10);
		}
		ids = els.map((el) => {
			let id = w.__sbNodeIds.get(el);
			if (!id) {
				w.__sbNodeSeq += 1;
				id = w.__sbDoc + ':' + w.__sbNodeSeq;
				w.__sbNodeIds.set(el, id);
				w.__sbNodes.set(id, new WeakRef(el));
			}
			return id;
		});
	}
	return els.map((el, i) => ({
		node: ids ? ids[i] : '',
		tag: el.tagName.toLowerCase(),
		role: el.getAttribute('role') || '',
		text: el.innerText || '',
		ariaLabel: el.getAttribute('aria-label') || '',
		title: el.getAttribute('title') || '',
		href: typeof el.href === 'string' ? el.href : '',
	}));
}`

// lookupTaggedNodeJS returns the element registered under id by collectCandidatesJS, or null.
const lookupTaggedNodeJS = `(id) => {
	const ref = window.__sbNodes && window.__sbNodes.get(id);
	const el = ref && ref.deref();
	return el && el.isConnected ? el : null;
}`

// pageHTMLJS returns the full document markup or just the body.
const pageHTMLJS = `(fullPage) => fullPage
	? document.documentElement.outerHTML
	: (document.body ? document.body.outerHTML : '')`
